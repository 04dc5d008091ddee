package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quizpath-engine/internal/app"
	"quizpath-engine/internal/domain"
)

func TestWebSocketProgressStream(t *testing.T) {
	store := seededStore(t, 12)
	sessions := app.NewSessionService(store, zap.NewNop())
	wsHandler := NewWSHandler(sessions, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/progress", wsHandler.ServeWS)
	server := httptest.NewServer(mux)
	defer server.Close()

	u := "ws" + server.URL[len("http"):] + "/ws/progress?quizId=quiz-1"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Let the server register the subscriber before the completion fires.
	time.Sleep(50 * time.Millisecond)

	levels, err := sessions.GetLevelsForQuiz(context.Background(), "quiz-1")
	if err != nil || len(levels) == 0 {
		t.Fatalf("levels: %v (%d)", err, len(levels))
	}
	if err := sessions.CompleteLevelAndUnlockNext(context.Background(), levels[0].ID, "quiz-1"); err != nil {
		t.Fatalf("complete level: %v", err)
	}

	completedSeen := false
	unlockedSeen := false
	for i := 0; i < 2; i++ {
		event := readProgress(t, conn)
		switch event.Type {
		case domain.EventLevelCompleted:
			completedSeen = true
		case domain.EventLevelUnlocked:
			unlockedSeen = true
		}
	}
	if !completedSeen || !unlockedSeen {
		t.Fatalf("expected completed and unlocked events, got completed=%v unlocked=%v", completedSeen, unlockedSeen)
	}
}

func readProgress(t *testing.T, conn *websocket.Conn) domain.ProgressEvent {
	t.Helper()
	var msg struct {
		Type    string               `json:"type"`
		Payload domain.ProgressEvent `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if msg.Type != "progress" {
		t.Fatalf("expected progress frame, got %s", msg.Type)
	}
	return msg.Payload
}
