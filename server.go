package main

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/richardartoul/cacherouter/notify"
	"github.com/richardartoul/cacherouter/router"
)

// ControlPrefix is the path prefix of the router's own endpoints. Anything
// else is proxied to the origin.
const ControlPrefix = "/__cacherouter"

// HeaderRequestID is set on every proxied request and its response.
const HeaderRequestID = "X-Request-Id"

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Server is the HTTP front of a Router.
type Server struct {
	router   *router.Router
	recorder *notify.Recorder
	logger   *slog.Logger
	engine   *gin.Engine
}

// NewServer builds the gin engine. recorder may be nil, in which case the
// notifications endpoint reports nothing.
func NewServer(r *router.Router, recorder *notify.Recorder, logger *slog.Logger) *Server {
	s := &Server{
		router:   r,
		recorder: recorder,
		logger:   logger.With("component", "server"),
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.logRequests)

	control := s.engine.Group(ControlPrefix)
	{
		control.POST("/message", s.handleMessage)
		control.POST("/push", s.handlePush)
		control.POST("/notificationclick", s.handleNotificationClick)
		control.POST("/sync", s.handleSync)
		control.GET("/metrics", s.handleMetrics)
		control.GET("/stats", s.handleStats)
		control.GET("/health", s.handleHealth)
		control.GET("/notifications", s.handleNotifications)
	}
	s.engine.NoRoute(s.proxy)

	return s
}

// Handler returns the http.Handler to serve.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.router.Metrics().Latency.Since("http", start)
	s.logger.Debug("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start),
		"request_id", c.Writer.Header().Get(HeaderRequestID))
}

// proxy forwards the request through the router. A router error becomes a
// 503 so the client always gets a response.
func (s *Server) proxy(c *gin.Context) {
	in := c.Request
	requestID := in.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	c.Header(HeaderRequestID, requestID)

	upstream := s.router.UpstreamURL(in.URL.Path, in.URL.RawQuery)
	out, err := http.NewRequestWithContext(in.Context(), in.Method, upstream.String(), in.Body)
	if err != nil {
		s.logger.Error("failed to build upstream request", "url", upstream.String(), "error", err)
		c.String(http.StatusBadRequest, "Bad request")
		return
	}
	out.Header = in.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	out.Header.Set(HeaderRequestID, requestID)
	out.ContentLength = in.ContentLength

	resp, err := s.router.Fetch(in.Context(), out)
	if err != nil {
		s.logger.Warn("request failed",
			"method", in.Method,
			"url", upstream.String(),
			"request_id", requestID,
			"error", err)
		c.String(http.StatusServiceUnavailable, "Service unavailable")
		return
	}
	defer resp.Body.Close()

	header := c.Writer.Header()
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Set(HeaderRequestID, requestID)
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		s.logger.Debug("failed to copy response body", "url", upstream.String(), "error", err)
	}
}

func (s *Server) handleMessage(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	msg, err := router.ParseMessage(data)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := s.router.PostMessage(c.Request.Context(), msg); err != nil {
		c.AbortWithStatusJSON(errorStatus(err), gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"type":   msg.Type,
		"state":  s.router.State().String(),
	})
}

func (s *Server) handlePush(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	n, err := s.router.Push(c.Request.Context(), data)
	if err != nil {
		c.AbortWithStatusJSON(errorStatus(err), gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) handleNotificationClick(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	var n notify.Notification
	if len(data) > 0 {
		if err := binding.JSON.BindBody(data, &n); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
	}
	target, err := s.router.NotificationClick(c.Request.Context(), n)
	if err != nil {
		c.AbortWithStatusJSON(errorStatus(err), gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": target})
}

func (s *Server) handleSync(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	tag := "sync"
	if t := gjson.GetBytes(data, "tag"); t.Type == gjson.String && t.String() != "" {
		tag = t.String()
	}
	if err := s.router.Sync(c.Request.Context(), tag); err != nil {
		c.AbortWithStatusJSON(errorStatus(err), gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tag": tag})
}

func (s *Server) handleMetrics(c *gin.Context) {
	snap := s.router.Metrics().Snapshot()
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(snap.ToPrometheusFormat()))
}

func (s *Server) handleStats(c *gin.Context) {
	data, err := s.router.Metrics().Snapshot().ToJSON()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// handleHealth fails only once the router can no longer serve.
func (s *Server) handleHealth(c *gin.Context) {
	state := s.router.State()
	status := http.StatusOK
	if state == router.StateRedundant {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"state":        state.String(),
		"claimed":      s.router.Claimed(),
		"skip_waiting": s.router.SkipWaiting(),
	})
}

func (s *Server) handleNotifications(c *gin.Context) {
	notifications := []notify.Notification{}
	opened := []string{}
	if s.recorder != nil {
		notifications = append(notifications, s.recorder.Notifications()...)
		opened = append(opened, s.recorder.Opened()...)
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"opened":        opened,
	})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, router.ErrInvalidPayload), errors.Is(err, router.ErrUnknownMessage):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
