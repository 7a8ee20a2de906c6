package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v5"

	"github.com/theatreos/theatreos/pkg/events"
)

// handleWS upgrades to WebSocket and hands the connection to the manager.
// Blocks for the connection's lifetime.
func (s *Server) handleWS(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		return nil // Accept already wrote the handshake failure
	}
	s.manager.HandleConnection(c.Request().Context(), conn, callerID(c))
	return nil
}

// handleStream serves a Server-Sent Events stream. Channels come from the
// repeated "channel" query parameter; the caller's private channel and the
// global channel are always included. Events are framed with id: set to
// the event-log sequence so EventSource reconnects can resume via catchup.
func (s *Server) handleStream(c *echo.Context) error {
	channels := []string{events.UserChannel(callerID(c)), events.GlobalChannel}
	for _, ch := range c.QueryParams()["channel"] {
		if ch != "" {
			channels = append(channels, ch)
		}
	}

	conn, closeFn, err := s.manager.OpenStream(c.Request().Context(), channels)
	if err != nil {
		return respondErr(c, err)
	}
	defer closeFn()

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	for {
		select {
		case <-conn.Done():
			return nil
		case <-c.Request().Context().Done():
			return nil
		case data := <-conn.Out():
			if _, err := w.Write(sseFrame(data)); err != nil {
				return nil
			}
			_ = rc.Flush()
		}
	}
}

// sseFrame formats one message as an SSE frame. Log-backed events carry
// their sequence as the SSE id.
func sseFrame(data []byte) []byte {
	var env events.Envelope
	var b strings.Builder
	if err := json.Unmarshal(data, &env); err == nil && env.Seq > 0 {
		fmt.Fprintf(&b, "id: %d\n", env.Seq)
	}
	if kind := messageKind(data); kind != "" {
		fmt.Fprintf(&b, "event: %s\n", kind)
	}
	fmt.Fprintf(&b, "data: %s\n\n", data)
	return []byte(b.String())
}

func messageKind(data []byte) string {
	var probe struct {
		Type string `json:"type"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	if probe.Kind != "" {
		return probe.Kind
	}
	return probe.Type
}
