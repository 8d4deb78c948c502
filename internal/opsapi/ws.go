package opsapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roseybot/roseycore/internal/bus"
)

const (
	tapBuffer    = 64
	tapWriteWait = 10 * time.Second
	tapPingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is token-gated; origin checks add nothing for a CLI tap.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEventsWS upgrades the connection and streams every envelope matching
// ?subject= (default rosey.>) as a JSON message. A slow client drops
// envelopes instead of stalling the bus handler.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("subject")
	if pattern == "" {
		pattern = bus.Root + bus.TokenSep + bus.TokenTail
	}
	if !bus.Validate(pattern) {
		writeError(w, http.StatusBadRequest, "invalid subject pattern")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own response.
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(s.tapCtx)
	defer cancel()

	feed := make(chan *bus.Envelope, tapBuffer)
	subID, err := s.deps.Bus.Subscribe(ctx, pattern, func(_ context.Context, env *bus.Envelope) error {
		select {
		case feed <- env:
		default:
		}
		return nil
	})
	if err != nil {
		deadline := time.Now().Add(tapWriteWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"), deadline)
		conn.Close()
		return
	}
	defer func() {
		if uerr := s.deps.Bus.Unsubscribe(subID); uerr != nil {
			s.log.Debug().Err(uerr).Msg("tap unsubscribe failed")
		}
		conn.Close()
	}()

	// The tap never expects client payloads, but reading surfaces close
	// frames and keeps control-message handling alive.
	go func() {
		defer cancel()
		for {
			if _, _, rerr := conn.NextReader(); rerr != nil {
				return
			}
		}
	}()

	s.log.Info().Str("pattern", pattern).Str("remote", r.RemoteAddr).Msg("event tap opened")
	defer s.log.Info().Str("pattern", pattern).Msg("event tap closed")

	ping := time.NewTicker(tapPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(tapWriteWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
			return
		case env := <-feed:
			conn.SetWriteDeadline(time.Now().Add(tapWriteWait))
			if werr := conn.WriteJSON(env); werr != nil {
				return
			}
		case <-ping.C:
			if werr := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(tapWriteWait)); werr != nil {
				return
			}
		}
	}
}
