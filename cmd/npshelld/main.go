// Command npshelld runs the multi-user network shell server: a TCP
// listener speaking the raw line protocol of spec.md, alongside a
// read-mostly admin HTTP API for observability and operator broadcasts.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/edirooss/npshelld/internal/admin/httpapi"
	"github.com/edirooss/npshelld/internal/audit"
	"github.com/edirooss/npshelld/internal/mux"
	"github.com/edirooss/npshelld/internal/userpipe"
)

// defaultPort is the shell protocol's listen port when no positional
// argument overrides it (spec.md §6).
const defaultPort = "5566"

func main() {
	adminAddr := flag.String("admin-addr", ":8889", "admin HTTP API listen address")
	redisAddr := flag.String("redis-addr", "", "redis address for the audit log (empty disables it)")
	adminUser := flag.String("admin-user", "admin", "admin API operator username")
	adminPass := flag.String("admin-pass", "", "admin API operator password")
	flag.Parse()

	// The sole CLI argument is the listen port, mirroring the original
	// server's argv[1]; flag.Args() rather than a named flag keeps that
	// positional interface intact.
	port := defaultPort
	if flag.NArg() > 0 {
		port = flag.Arg(0)
	}
	shellAddr := ":" + port

	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("main")

	matrix := userpipe.NewMatrix()
	multiplexer := mux.NewMultiplexer(log, matrix)

	var auditLog *audit.Log
	if *redisAddr != "" {
		auditLog = audit.NewLog(*redisAddr, 0, log)
		defer auditLog.Close()
		multiplexer.SetAuditLog(auditLog)
	}

	sessionSecret := []byte(os.Getenv("NPSHELLD_SESSION_SECRET"))
	if len(sessionSecret) == 0 {
		log.Warn("NPSHELLD_SESSION_SECRET not set; generating an ephemeral admin session secret for this process only")
		sessionSecret = ephemeralSecret(log)
	}

	admin := httpapi.NewServer(log, multiplexer.Table(), auditLog, httpapi.Config{
		AdminUsername: *adminUser,
		AdminPassword: *adminPass,
		SessionSecret: sessionSecret,
	})

	ln, err := newTCPListener(shellAddr)
	if err != nil {
		log.Fatal("listen failed", zap.String("addr", shellAddr), zap.Error(err))
	}

	adminSrv := &http.Server{Addr: *adminAddr, Handler: admin.Router()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("shell server listening", zap.String("addr", shellAddr))
		return multiplexer.Serve(ln)
	})
	g.Go(func() error {
		log.Info("admin API listening", zap.String("addr", *adminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		_ = ln.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return adminSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.Error("server exited with error", zap.Error(err))
	}
}

// newTCPListener binds addr with SO_REUSEADDR set, so a restart doesn't
// have to wait out TIME_WAIT on the previous listener's socket, and a
// connection backlog well above the original's one-client-at-a-time
// accept() loop.
func newTCPListener(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// ephemeralSecret generates a process-lifetime-only cookie signing key
// for when the operator hasn't provisioned one: admin sessions simply
// don't survive a restart in that case, which is acceptable for a
// local/dev admin plane but logged loudly since it's the wrong choice
// for a real deployment.
func ephemeralSecret(log *zap.Logger) []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatal("failed to generate session secret", zap.Error(err))
	}
	return buf
}
