package oracled

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"chainscore/core/events"
	"chainscore/core/types"
	"chainscore/observability/metrics"
)

// EventStream serves ledger events to websocket subscribers. Clients may pass
// ?request=<id> or ?type=<event type> to filter the feed.
type EventStream struct {
	fanout       *events.Fanout
	writeTimeout time.Duration
	origins      []string
	metrics      *metrics.OracleMetrics
}

// NewEventStream builds a websocket handler over fanout.
func NewEventStream(fanout *events.Fanout, cfg StreamConfig, m *metrics.OracleMetrics) *EventStream {
	timeout := cfg.WriteTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &EventStream{fanout: fanout, writeTimeout: timeout, origins: origins, metrics: m}
}

func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.fanout == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	requestFilter := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("request")))
	typeFilter := strings.TrimSpace(r.URL.Query().Get("type"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	s.metrics.AddStreamSubscribers(1)
	defer s.metrics.AddStreamSubscribers(-1)

	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn, requestFilter, typeFilter); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *EventStream) stream(ctx context.Context, conn *websocket.Conn, requestFilter, typeFilter string) error {
	updates, cancel := s.fanout.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if !matches(evt, requestFilter, typeFilter) {
				continue
			}
			if err := s.write(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func matches(evt *types.Event, requestFilter, typeFilter string) bool {
	if evt == nil {
		return false
	}
	if typeFilter != "" && evt.Type != typeFilter {
		return false
	}
	if requestFilter != "" && strings.ToLower(evt.Attribute("id")) != requestFilter {
		return false
	}
	return true
}

func (s *EventStream) write(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
