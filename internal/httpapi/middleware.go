package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	logx "promosched/pkg/logx"
)

const (
	ctxUser  = "auth.user"
	ctxToken = "auth.token"
)

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/api/events" {
			return
		}
		s.log.Debug("request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, rec any) {
		s.log.Error("handler panicked", logx.String("path", c.Request.URL.Path), logx.Any("panic", rec))
		fail(c, http.StatusInternalServerError, "internal error")
	})
}

func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

// bearerToken reads "Authorization: Bearer <t>", falling back to ?token=
// for EventSource clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	if tok, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return strings.TrimSpace(c.Query("token"))
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c)
		sess, err := s.deps.Auth.Session(tok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Não autorizado"})
			return
		}
		c.Set(ctxUser, sess.Username)
		c.Set(ctxToken, tok)
		c.Next()
	}
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}

// bindError maps a JSON bind failure to a status code.
func bindError(c *gin.Context, err error) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		fail(c, http.StatusRequestEntityTooLarge, "corpo da requisição muito grande")
		return
	}
	fail(c, http.StatusBadRequest, "JSON inválido: "+err.Error())
}
