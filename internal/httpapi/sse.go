package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"promosched/internal/message"
	"promosched/internal/notifier"
	logx "promosched/pkg/logx"
)

const sseBuffer = 64

// events streams observer events as Server-Sent Events. A new client first
// receives the gateway status and the full listing.
func (s *Server) events(c *gin.Context) {
	ch, unsubscribe := s.deps.Notifier.Bus().Subscribe(sseBuffer, notifier.EventObserver)
	defer unsubscribe()

	s.mu.Lock()
	keepAlive := s.cfg.KeepAlive
	s.mu.Unlock()

	// Streams outlive any server write timeout.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	st := s.gatewayStatus()
	c.SSEvent(message.EventConnectionStatus, gin.H{"status": st.Status, "isReady": st.IsReady})
	c.SSEvent(message.EventScheduledList, s.deps.Store.All())
	c.Writer.Flush()

	user, _ := c.Get(ctxUser)
	s.log.Debug("event stream opened", logx.Any("user", user))
	defer s.log.Debug("event stream closed", logx.Any("user", user))

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			env, ok := ev.Data.(notifier.Envelope)
			if !ok {
				continue
			}
			c.SSEvent(env.Event, env.Data)
			c.Writer.Flush()
		case <-ticker.C:
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
