package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"promosched/internal/auth"
	"promosched/internal/gateway"
	"promosched/internal/message"
	logx "promosched/pkg/logx"
)

func (s *Server) gatewayStatus() gateway.StatusInfo {
	gw := gateway.Unwrap(s.deps.Gateway)
	if gw == nil {
		return gateway.StatusInfo{Status: gateway.StatusDisconnected}
	}
	if st, ok := gw.(interface{ Status() gateway.StatusInfo }); ok {
		return st.Status()
	}
	if gw.IsReady() {
		return gateway.StatusInfo{Status: gateway.StatusConnected, IsReady: true}
	}
	return gateway.StatusInfo{Status: gateway.StatusDisconnected}
}

func (s *Server) health(c *gin.Context) {
	st := s.gatewayStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"whatsapp":          st.Status,
		"isReady":           st.IsReady,
		"scheduledMessages": s.deps.Store.Len(),
		"pendingTimers":     s.deps.Scheduler.Pending(),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	sess, err := s.deps.Auth.Login(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrNotConfigured):
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		fail(c, http.StatusUnauthorized, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"token":     sess.Token,
		"username":  sess.Username,
		"expiresAt": sess.ExpiresAtMillis(),
	})
}

func (s *Server) logout(c *gin.Context) {
	if tok := bearerToken(c); tok != "" {
		s.deps.Auth.Logout(tok)
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) validate(c *gin.Context) {
	sess, err := s.deps.Auth.Session(bearerToken(c))
	if err != nil {
		fail(c, http.StatusUnauthorized, "Token inválido")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "username": sess.Username})
}

func (s *Server) connector(c *gin.Context) (gateway.Connector, bool) {
	conn, ok := gateway.AsConnector(s.deps.Gateway)
	if !ok {
		fail(c, http.StatusNotImplemented, gateway.ErrUnsupported.Error())
	}
	return conn, ok
}

func (s *Server) connect(c *gin.Context) {
	conn, ok := s.connector(c)
	if !ok {
		return
	}
	if err := conn.Connect(c.Request.Context()); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Iniciando conexão..."})
}

func (s *Server) disconnect(c *gin.Context) {
	conn, ok := s.connector(c)
	if !ok {
		return
	}
	if err := conn.Disconnect(c.Request.Context()); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Desconectado"})
}

func (s *Server) refreshQR(c *gin.Context) {
	conn, ok := s.connector(c)
	if !ok {
		return
	}
	if err := conn.RefreshQR(c.Request.Context()); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) gatewayStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.gatewayStatus())
}

func (s *Server) groups(c *gin.Context) {
	dir, ok := gateway.AsDirectory(s.deps.Gateway)
	if !ok {
		fail(c, http.StatusNotImplemented, gateway.ErrUnsupported.Error())
		return
	}
	chats, err := dir.Chats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if chats == nil {
		chats = []gateway.Chat{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "groups": chats})
}

func (s *Server) listMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "messages": s.deps.Store.All()})
}

type createRequest struct {
	Message       string          `json:"message"`
	ScheduledTime json.RawMessage `json:"scheduledTime"`
	GroupID       string          `json:"groupId"`
	GroupName     string          `json:"groupName"`
	ProductData   json.RawMessage `json:"productData"`
}

func (s *Server) createMessage(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if req.Message == "" || isEmptyJSON(req.ScheduledTime) || req.GroupID == "" {
		fail(c, http.StatusBadRequest, "message, scheduledTime e groupId são obrigatórios")
		return
	}
	at, err := parseScheduledTime(req.ScheduledTime)
	if err != nil {
		fail(c, http.StatusBadRequest, "scheduledTime inválido")
		return
	}
	var product json.RawMessage
	if !isEmptyJSON(req.ProductData) {
		product = req.ProductData
	}

	m := s.deps.Store.Add(c.Request.Context(), message.Draft{
		Message:       req.Message,
		ScheduledTime: at,
		GroupID:       req.GroupID,
		GroupName:     req.GroupName,
		ProductData:   product,
	})
	if err := s.deps.Scheduler.ScheduleMessage(m); err != nil {
		s.log.Error("arm failed; dropping record", logx.String("id", m.ID), logx.Err(err))
		s.deps.Store.Remove(c.Request.Context(), m.ID)
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.deps.Notifier.Broadcast(message.EventScheduled, m)
	s.deps.Notifier.Broadcast(message.EventScheduledList, s.deps.Store.All())
	c.JSON(http.StatusOK, gin.H{"success": true, "message": m})
}

func (s *Server) deleteMessage(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	s.deps.Scheduler.CancelMessage(ctx, id)
	if !s.deps.Store.Remove(ctx, id) {
		fail(c, http.StatusNotFound, "Mensagem não encontrada")
		return
	}
	s.deps.Notifier.Broadcast(message.EventCancelled, message.CancelledEvent{ID: id})
	s.deps.Notifier.Broadcast(message.EventScheduledList, s.deps.Store.All())
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) cancelMessage(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.deps.Store.Get(id); !ok {
		fail(c, http.StatusNotFound, "Mensagem não encontrada")
		return
	}
	if !s.deps.Scheduler.CancelMessage(c.Request.Context(), id) {
		fail(c, http.StatusConflict, "Mensagem não está agendada")
		return
	}
	m, _ := s.deps.Store.Get(id)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": m})
}

type sendNowRequest struct {
	Message     string `json:"message"`
	GroupID     string `json:"groupId"`
	ImageBase64 string `json:"imageBase64"`
}

func (s *Server) sendNow(c *gin.Context) {
	var req sendNowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	gw := s.deps.Gateway
	if gw == nil || !gw.IsReady() {
		fail(c, http.StatusBadRequest, gateway.ErrNotReady.Error())
		return
	}
	if req.GroupID == "" {
		fail(c, http.StatusBadRequest, "groupId é obrigatório")
		return
	}
	var img *gateway.Image
	if req.ImageBase64 != "" {
		var err error
		if img, err = gateway.DecodeDataURL(req.ImageBase64); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := gw.Send(c.Request.Context(), req.GroupID, req.Message, img); err != nil {
		s.log.Error("send-now failed", logx.String("group", req.GroupID), logx.Err(err))
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Mensagem enviada!"})
}

type composeRequest struct {
	ProductData message.ProductData `json:"productData"`
}

func (s *Server) compose(c *gin.Context) {
	var req composeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if strings.TrimSpace(req.ProductData.Name) == "" {
		fail(c, http.StatusBadRequest, "productData.name é obrigatório")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message.Compose(req.ProductData)})
}

func (s *Server) jobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "jobs": s.deps.Scheduler.ScheduledJobs()})
}

func (s *Server) reschedule(c *gin.Context) {
	armed, expired := s.deps.Scheduler.RescheduleAllPending(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"success": true, "armed": armed, "expired": expired})
}

func isEmptyJSON(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == `""`
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseScheduledTime accepts an RFC 3339 string, a zone-less local
// date-time as sent by <input type="datetime-local">, or unix milliseconds.
func parseScheduledTime(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		ms, nerr := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if nerr != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms), nil
	}
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, errors.New("unrecognised time format")
}
