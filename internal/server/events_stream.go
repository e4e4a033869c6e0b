package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/anshultibby/finch-sub002/internal/events"
)

// EventsStreamHandler streams system events over a websocket. Slow
// consumers drop events rather than blocking emitters.
type EventsStreamHandler struct {
	events *events.Manager
	log    zerolog.Logger
}

// NewEventsStreamHandler creates the websocket event stream handler
func NewEventsStreamHandler(eventManager *events.Manager, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		events: eventManager,
		log:    log.With().Str("handler", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/ws. The optional ?types=a,b query
// filters the stream to the named event types.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	var allowed map[events.EventType]bool
	if typesFilter := r.URL.Query().Get("types"); typesFilter != "" {
		allowed = make(map[events.EventType]bool)
		for _, t := range strings.Split(typesFilter, ",") {
			allowed[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	// Buffered so a stalled socket never blocks event emitters
	stream := make(chan events.Event, 64)
	unsubscribe := h.events.SubscribeAll(func(e events.Event) {
		if allowed != nil && !allowed[e.Type] {
			return
		}
		select {
		case stream <- e:
		default:
		}
	})
	defer unsubscribe()

	h.log.Debug().Str("remote", r.RemoteAddr).Msg("Event stream connected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-stream:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Msg("Event stream disconnected")
				return
			}
		}
	}
}
