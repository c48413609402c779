package httpapi

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// sessionTTL matches the teacher's 15-minute session-touch interval.
const sessionTTL = 15 * 60

// Authentication gates the admin routes it is attached to (every route
// except GET /ping, see Server.Router) behind either the shared
// operator credential (HTTP Basic) or an already-established session
// cookie, simplified from the teacher's three-scheme (Basic/Session/
// Bearer) Authentication middleware: the admin API has one operator,
// not per-user bearer tokens, so the Bearer branch has no consumer
// here and is dropped (see DESIGN.md).
func Authentication(username, password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSessionAuthenticated(c) || isBasicAuthenticated(c, username, password) {
			c.Next()
			return
		}
		c.Header("WWW-Authenticate", `Basic realm="npshelld-admin"`)
		c.AbortWithStatus(http.StatusUnauthorized)
	}
}

func isBasicAuthenticated(c *gin.Context, username, password string) bool {
	user, pass, hasAuth := c.Request.BasicAuth()
	if !hasAuth {
		return false
	}
	okUser := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
	okPass := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
	if okUser && okPass {
		sess := sessions.Default(c)
		sess.Set("operator", user)
		sess.Set("last_touch", time.Now().Unix())
		_ = sess.Save()
		return true
	}
	return false
}

func isSessionAuthenticated(c *gin.Context) bool {
	sess := sessions.Default(c)
	operator, _ := sess.Get("operator").(string)
	if operator == "" {
		return false
	}

	now := time.Now().Unix()
	lastTouch, _ := sess.Get("last_touch").(int64)
	if lastTouch == 0 || now-lastTouch > sessionTTL {
		sess.Set("last_touch", now)
		_ = sess.Save()
	}
	return true
}
