package http

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quizpath-engine/internal/app"
	"quizpath-engine/internal/domain"
)

// WSHandler streams progress events (level completed/unlocked, attempt
// recorded) for one quiz over a websocket.
type WSHandler struct {
	sessions *app.SessionService
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(sessions *app.SessionService, log *zap.Logger) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type outboundEvent struct {
	Type    string               `json:"type"`
	Payload domain.ProgressEvent `json:"payload"`
}

// ServeWS upgrades the request and forwards the quiz's progress events
// until the client disconnects. All writes go through a single goroutine
// so the connection never sees concurrent writers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	quizID := r.URL.Query().Get("quizId")
	if quizID == "" {
		http.Error(w, "missing quizId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := h.sessions.Subscribe(quizID)
	defer cancel()

	send := make(chan outboundEvent, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	eventsDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("ws write error", zap.Error(err))
				return
			}
		}
	}()

	go func() {
		defer close(eventsDone)
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				select {
				case send <- outboundEvent{Type: "progress", Payload: event}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	// The read loop only exists to detect disconnects; inbound frames are
	// discarded.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	close(closeSignals)
	<-eventsDone
	close(send)
	<-writerDone
}
