package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kstaniek/go-loshark/internal/hub"
	"github.com/kstaniek/go-loshark/internal/loshark"
	"github.com/kstaniek/go-loshark/internal/metrics"
)

// parseOps reads the ?ops=event,signal filter. Results belong to the
// request that caused them and are never streamed.
func parseOps(q string) ([]string, error) {
	if q == "" {
		return nil, nil
	}
	var ops []string
	for _, op := range strings.Split(q, ",") {
		op = strings.TrimSpace(op)
		if op == "" {
			continue
		}
		k, err := loshark.ParseKind(op)
		if err != nil {
			return nil, badRequest("%v", err)
		}
		if k == loshark.KindResult {
			return nil, badRequest("op %q is not streamed", op)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *Server) clientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.Hub == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "no hub"})
		return
	}
	ops, err := parseOps(c.Query("ops"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if s.maxClients > 0 && s.clientCount() >= s.maxClients {
		s.totalRejected.Add(1)
		s.logger.Warn("client_reject_max", "remote", c.Request.RemoteAddr, "max", s.maxClients)
		s.fail(c, ErrTooMany)
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		wrap := fmt.Errorf("%w: %v", ErrUpgrade, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return
	}
	bufSize := s.Hub.OutBufSize
	if bufSize <= 0 {
		bufSize = 256
	}
	cl := hub.NewClient(bufSize, ops...)
	s.clientsMu.Lock()
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	s.Hub.Add(cl)
	s.totalConnected.Add(1)
	logger := s.logger.With("conn", s.nextConnID.Add(1), "remote", conn.RemoteAddr().String())
	logger.Info("client_connected", "ops", ops)

	s.startReader(conn, cl)
	s.startWriter(conn, cl, logger)
}

func (s *Server) dropClient(cl *hub.Client) {
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	s.Hub.Remove(cl)
}

// startReader drains client frames so control frames are processed, and
// closes cl once the peer goes away or stops answering pings.
func (s *Server) startReader(conn *websocket.Conn, cl *hub.Client) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cl.Close()
		conn.SetReadLimit(readLimit)
		deadline := 2 * s.pingInterval
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// startWriter pushes hub events to one websocket connection as JSON.
func (s *Server) startWriter(conn *websocket.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.dropClient(cl)
			logger.Info("client_disconnected")
		}()
		t := time.NewTicker(s.pingInterval)
		defer t.Stop()
		write := func(fn func() error) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := fn(); err != nil {
				if errors.Is(err, websocket.ErrCloseSent) {
					return false
				}
				wrap := fmt.Errorf("%w: %v", ErrWSWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				logger.Debug("client_write_failed", "error", err)
				return false
			}
			return true
		}
		for {
			select {
			case ev := <-cl.Out:
				if !write(func() error { return conn.WriteJSON(ev) }) {
					return
				}
			case <-t.C:
				if !write(func() error { return conn.WriteMessage(websocket.PingMessage, nil) }) {
					return
				}
			case <-cl.Closed:
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
		}
	}()
}
