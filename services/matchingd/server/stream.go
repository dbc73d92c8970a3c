package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"ratematch/services/matchingd/journal"
)

const (
	wsWriteTimeout = 10 * time.Second
	backlogLimit   = 1_000
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, []StreamEvent{})
		return
	}
	query := r.URL.Query()
	after, ok := parseUint(query.Get("after"))
	if !ok {
		s.fail(w, fmt.Errorf("%w: invalid after", errBadRequest))
		return
	}
	limit, ok := parseUint(query.Get("limit"))
	if !ok {
		s.fail(w, fmt.Errorf("%w: invalid limit", errBadRequest))
		return
	}
	filter := journal.Filter{
		Type:  strings.TrimSpace(query.Get("type")),
		After: after,
		Limit: int(limit),
	}
	if market := strings.TrimSpace(query.Get("market")); market != "" {
		addr, ok := parseAddress(market)
		if !ok {
			s.fail(w, fmt.Errorf("%w: invalid market", errBadRequest))
			return
		}
		filter.Market = addr.Hex()
	}
	if user := strings.TrimSpace(query.Get("user")); user != "" {
		addr, ok := parseAddress(user)
		if !ok {
			s.fail(w, fmt.Errorf("%w: invalid user", errBadRequest))
			return
		}
		filter.User = addr.Hex()
	}
	out, err := s.backlog(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) backlog(ctx context.Context, filter journal.Filter) ([]StreamEvent, error) {
	records, err := s.journal.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]StreamEvent, 0, len(records))
	for _, record := range records {
		attrs, err := record.DecodeAttributes()
		if err != nil {
			return nil, fmt.Errorf("decode event %d: %w", record.Sequence, err)
		}
		out = append(out, StreamEvent{Sequence: record.Sequence, Type: record.Type, Attributes: attrs})
	}
	return out, nil
}

// handleEventStream upgrades to a websocket and pushes committed events. A
// cursor query parameter replays journaled events after that sequence first.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	cursor, ok := parseUint(strings.TrimSpace(r.URL.Query().Get("cursor")))
	if !ok {
		s.fail(w, fmt.Errorf("%w: invalid cursor", errBadRequest))
		return
	}
	patterns := s.opts.OriginPatterns
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	updates, cancel := s.hub.Subscribe()
	defer cancel()

	last := cursor
	if cursor > 0 && s.journal != nil {
		backlog, err := s.backlog(ctx, journal.Filter{After: cursor, Limit: backlogLimit})
		if err != nil {
			return err
		}
		for _, evt := range backlog {
			if err := writeStreamEvent(ctx, conn, evt); err != nil {
				return err
			}
			last = evt.Sequence
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
			}
			if evt.Sequence <= last {
				continue
			}
			if err := writeStreamEvent(ctx, conn, evt); err != nil {
				return err
			}
			last = evt.Sequence
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, evt StreamEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
