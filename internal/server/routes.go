package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kstaniek/go-loshark/internal/api"
	"github.com/kstaniek/go-loshark/internal/logging"
	"github.com/kstaniek/go-loshark/internal/metrics"
)

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)
	r.GET("/ready", gin.WrapF(metrics.ReadyHandler))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/events", s.handleEvents)

	a := r.Group("/api")
	a.GET("/status", s.handleStatus)
	a.POST("/connect", s.handleConnect)
	a.POST("/disconnect", s.handleDisconnect)
	a.GET("/log-level", s.handleGetLogLevel)
	a.PUT("/log-level", s.handleSetLogLevel)

	d := a.Group("", s.requireDevice)
	d.POST("/ping", s.handlePing)
	d.GET("/modem", s.handleModem)
	d.POST("/modem/open", s.handleModemOpen)
	d.POST("/modem/close", s.handleModemClose)
	d.GET("/time", s.handleGetTime)
	d.POST("/time", s.handleSetTime)
	d.GET("/props", s.handleListProps)
	d.GET("/props/:key", s.handleGetProp)
	d.PUT("/props/:key", s.handleSetProp)
	d.POST("/transmit", s.handleTransmit)
}

func (s *Server) requireDevice(c *gin.Context) {
	if s.Device == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "no device"})
		return
	}
	c.Next()
}

// reqCtx bounds a device call by the request context and the server's request timeout.
func (s *Server) reqCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.requestTimeout)
}

func (s *Server) fail(c *gin.Context, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		metrics.IncError(metrics.ErrHTTP)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"clients": s.clientCount(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.Device == nil {
		c.JSON(http.StatusOK, gin.H{"state": "disconnected"})
		return
	}
	c.JSON(http.StatusOK, s.Device.Status())
}

func (s *Server) handleConnect(c *gin.Context) {
	if s.Session == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "session control disabled"})
		return
	}
	if err := s.Session.Start(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	if s.Session == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "session control disabled"})
		return
	}
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	if err := s.Session.Stop(ctx); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handlePing(c *gin.Context) {
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	start := time.Now()
	if err := s.Device.Ping(ctx); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "rtt": time.Since(start).String()})
}

func (s *Server) handleModem(c *gin.Context) {
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	open, err := s.Device.Opened(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"opened": open})
}

func (s *Server) handleModemOpen(c *gin.Context) {
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	if err := s.Device.Open(ctx); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"opened": true})
}

func (s *Server) handleModemClose(c *gin.Context) {
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	if err := s.Device.Close(ctx); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"opened": false})
}

// timeResponse carries the device clock. DeltaMS is host minus device, so a
// positive value means the device clock is behind.
type timeResponse struct {
	api.Timespec
	Time    time.Time `json:"time"`
	DeltaMS int64     `json:"deltaMs"`
}

func (s *Server) handleGetTime(c *gin.Context) {
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	ts, err := s.Device.GetTime(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	dev := ts.Time()
	c.JSON(http.StatusOK, timeResponse{Timespec: ts, Time: dev.UTC(), DeltaMS: time.Since(dev).Milliseconds()})
}

// handleSetTime sets the device clock from the body, or from the host clock when the body is empty.
func (s *Server) handleSetTime(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, readLimit))
	if err != nil {
		s.fail(c, badRequest("read body: %v", err))
		return
	}
	ts := api.TimespecOf(time.Now())
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &ts); err != nil {
			s.fail(c, badRequest("timespec: %v", err))
			return
		}
		if ts.Nsec < 0 || ts.Nsec >= int64(time.Second) {
			s.fail(c, badRequest("nsec out of range: %d", ts.Nsec))
			return
		}
	}
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	if err := s.Device.SetTime(ctx, ts); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ts)
}

func (s *Server) handleListProps(c *gin.Context) {
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	props, err := s.Device.ListProps(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	if props == nil {
		props = []api.Prop{}
	}
	c.JSON(http.StatusOK, props)
}

func (s *Server) handleGetProp(c *gin.Context) {
	key := c.Param("key")
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	v, err := s.Device.GetProp(ctx, key)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, api.Prop{Key: key, Value: v})
}

func (s *Server) handleSetProp(c *gin.Context) {
	key := c.Param("key")
	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, badRequest("body: %v", err))
		return
	}
	if len(body.Value) == 0 {
		s.fail(c, badRequest("missing value"))
		return
	}
	v, err := jsonValue(body.Value)
	if err != nil {
		s.fail(c, badRequest("value: %v", err))
		return
	}
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	if err := s.Device.SetProp(ctx, key, v); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, api.Prop{Key: key, Value: v})
}

// jsonValue decodes a JSON scalar or structure, keeping integers as int64.
func jsonValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = normalizeNumbers(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalizeNumbers(x[k])
		}
		return x
	default:
		return v
	}
}

func (s *Server) handleTransmit(c *gin.Context) {
	var body struct {
		Text *string `json:"text"`
		Hex  *string `json:"hex"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, badRequest("body: %v", err))
		return
	}
	var buf []byte
	switch {
	case body.Text != nil && body.Hex != nil:
		s.fail(c, badRequest("text and hex are exclusive"))
		return
	case body.Hex != nil:
		b, err := api.ParseHex(*body.Hex)
		if err != nil {
			s.fail(c, badRequest("%v", err))
			return
		}
		buf = b
	case body.Text != nil:
		buf = []byte(*body.Text)
	default:
		s.fail(c, badRequest("text or hex required"))
		return
	}
	if len(buf) == 0 {
		s.fail(c, badRequest("empty payload"))
		return
	}
	ctx, cancel := s.reqCtx(c)
	defer cancel()
	if err := s.Device.Transmit(ctx, buf); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "len": len(buf), "preview": api.DataPreview(buf)})
}

func (s *Server) handleGetLogLevel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"level": logging.LevelName(logging.Level())})
}

func (s *Server) handleSetLogLevel(c *gin.Context) {
	var body struct {
		Level string `json:"level"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, badRequest("body: %v", err))
		return
	}
	lvl, err := logging.ParseLevel(body.Level)
	if err != nil {
		s.fail(c, badRequest("%v", err))
		return
	}
	logging.SetLevel(lvl)
	s.logger.Info("log_level_changed", "level", logging.LevelName(lvl))
	c.JSON(http.StatusOK, gin.H{"level": logging.LevelName(lvl)})
}
