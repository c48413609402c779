// Package httpapi implements npshelld's admin/observability HTTP API:
// a read-mostly side channel for inspecting and operating the shell
// server (who's connected, what a session has seen, broadcasting an
// operator yell) — entirely separate from the raw line protocol
// spec.md defines for the shell itself.
//
// Wired the way cmd/zmux-server/main.go wires its own API: gin.New()
// + gin.Recovery(), a dev-only CORS gate, a ZapLogger middleware, and
// one route group per concern.
package httpapi

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/npshelld/internal/audit"
	"github.com/edirooss/npshelld/internal/mux"
)

// Config holds the admin API's own settings, distinct from the shell
// protocol's single-port configuration (spec.md §6).
type Config struct {
	AdminUsername string
	AdminPassword string
	SessionSecret []byte
}

// Server wires the shell server's session directory and audit trail
// into a gin.Engine.
type Server struct {
	log   *zap.Logger
	table *mux.SessionTable
	audit *audit.Log
	cfg   Config
}

// NewServer constructs the admin API. table is the shell multiplexer's
// shared session directory; auditLog may be nil, in which case GET
// /audit reports 503 rather than panicking — the audit trail is an
// optional side concern (spec.md Non-goals exclude durability of
// session state, but never mandate Redis be present).
func NewServer(log *zap.Logger, table *mux.SessionTable, auditLog *audit.Log, cfg Config) *Server {
	return &Server{log: log.Named("admin"), table: table, audit: auditLog, cfg: cfg}
}

// Router builds the gin.Engine. Called once by cmd/npshelld/main.go.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})

	r.Use(gin.Recovery())

	if os.Getenv("ENV") == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(RequestID())
	r.Use(ZapLogger(s.log))

	store := cookie.NewStore(s.cfg.SessionSecret)
	r.Use(sessions.Sessions("npshelld_admin", store))

	r.GET("/ping", s.handlePing)

	authed := r.Group("/")
	authed.Use(Authentication(s.cfg.AdminUsername, s.cfg.AdminPassword))
	authed.GET("/who", s.handleWho)
	authed.GET("/sessions/:id/logs", s.handleSessionLogs)
	authed.POST("/yell", s.handleYell)
	authed.GET("/audit", s.handleAudit)

	return r
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

// whoRow is the admin API's JSON rendering of session.WhoRow.
type whoRow struct {
	ID       int    `json:"id"` // 1-indexed, matching the `who` built-in
	Nickname string `json:"nickname"`
	Addr     string `json:"addr"`
}

func (s *Server) handleWho(c *gin.Context) {
	rows := s.table.Who()
	out := make([]whoRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, whoRow{ID: r.U + 1, Nickname: r.Nickname, Addr: r.Addr})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSessionLogs(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid id"})
		return
	}

	n := 0
	if raw := c.Query("n"); raw != "" {
		n, _ = strconv.Atoi(raw)
	}

	lines, ok := s.table.RecentLines(id-1, n)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "no such session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

type yellRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) handleYell(c *gin.Context) {
	var req yellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": "message is required"})
		return
	}

	msg := "*** operator yelled ***: " + req.Message + "\n"
	s.table.Broadcast(msg)
	if s.audit != nil {
		s.audit.Record(c.Request.Context(), audit.Event{
			Kind: audit.KindYell, User: -1, Detail: req.Message, Time: time.Now(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"message": "broadcast sent"})
}

func (s *Server) handleAudit(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "audit log not configured"})
		return
	}

	n := 0
	if raw := c.Query("n"); raw != "" {
		n, _ = strconv.Atoi(raw)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	events, err := s.audit.Recent(ctx, n)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"message": "audit backend unavailable"})
		return
	}
	c.JSON(http.StatusOK, events)
}
