package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"quizpath-engine/internal/app"
	"quizpath-engine/internal/domain"
	"quizpath-engine/internal/infra/memory"
	"quizpath-engine/internal/levelgen"
)

func newTestServer(t *testing.T, store *memory.Store, source *memory.StaticSource) *httptest.Server {
	t.Helper()
	log := zap.NewNop()
	outbox := app.NewOutboxService(store, source, log)
	claims := app.NewClaimService(store, source, outbox, log)
	sessions := app.NewSessionService(store, log)

	mux := http.NewServeMux()
	NewHandler(claims, sessions, outbox, log).Register(mux)
	mux.HandleFunc("/ws/progress", NewWSHandler(sessions, log).ServeWS)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// seededStore loads a quiz with n questions and generated levels straight
// into a fresh in-memory store.
func seededStore(t *testing.T, n int) *memory.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	if err := store.PutQuiz(ctx, domain.Quiz{ID: "quiz-1", Name: "Geography", Domains: []string{"dom-1"}}); err != nil {
		t.Fatalf("put quiz: %v", err)
	}
	if err := store.PutDomains(ctx, []domain.Domain{{ID: "dom-1", Name: "Capitals"}}); err != nil {
		t.Fatalf("put domains: %v", err)
	}

	questions := make([]domain.Question, n)
	for i := range questions {
		questions[i] = domain.Question{
			ID:       fmt.Sprintf("q%d", i+1),
			QuizID:   "quiz-1",
			DomainID: "dom-1",
			Body:     fmt.Sprintf("Question %d", i+1),
			Options:  []string{"*right", "wrong", "also wrong"},
			Position: i,
		}
	}
	if err := store.PutQuestions(ctx, questions); err != nil {
		t.Fatalf("put questions: %v", err)
	}

	levels, _, err := levelgen.GenerateLevels("quiz-1", n, nil)
	if err != nil {
		t.Fatalf("generate levels: %v", err)
	}
	if err := store.PutLevels(ctx, levels); err != nil {
		t.Fatalf("put levels: %v", err)
	}
	return store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestClaimEndpoint(t *testing.T) {
	store := memory.NewStore()
	source := memory.NewStaticSource()
	source.Codes["GEO-2024"] = domain.CodeGrant{QuizID: "quiz-1", CodeID: "code-1"}
	source.Quizzes["quiz-1"] = domain.Quiz{ID: "quiz-1", Name: "Geography", Domains: []string{"dom-1"}}
	source.Domains["dom-1"] = domain.Domain{ID: "dom-1", Name: "Capitals"}
	for i := 0; i < 12; i++ {
		source.Questions["dom-1"] = append(source.Questions["dom-1"], domain.Question{
			ID:       fmt.Sprintf("q%d", i+1),
			Body:     fmt.Sprintf("Question %d", i+1),
			Options:  []string{"*right", "wrong"},
			Position: i,
		})
	}
	server := newTestServer(t, store, source)

	resp := postJSON(t, server.URL+"/api/claim", map[string]string{"userId": "u1", "code": "GEO-2024"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		QuizID            string `json:"quizId"`
		QuestionsImported int    `json:"questionsImported"`
		LevelsGenerated   int    `json:"levelsGenerated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.QuizID != "quiz-1" || body.QuestionsImported != 12 || body.LevelsGenerated == 0 {
		t.Fatalf("unexpected outcome: %+v", body)
	}

	// Re-claiming is a conflict, not a server error.
	resp2 := postJSON(t, server.URL+"/api/claim", map[string]string{"userId": "u1", "code": "GEO-2024"})
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate claim, got %d", resp2.StatusCode)
	}
}

func TestClaimEndpointInvalidCode(t *testing.T) {
	server := newTestServer(t, memory.NewStore(), memory.NewStaticSource())

	resp := postJSON(t, server.URL+"/api/claim", map[string]string{"userId": "u1", "code": "NOPE"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for invalid code, got %d", resp.StatusCode)
	}
}

func TestSessionAndAttemptEndpoints(t *testing.T) {
	store := seededStore(t, 12)
	server := newTestServer(t, store, memory.NewStaticSource())

	levels, _ := store.LevelsByQuiz(context.Background(), "quiz-1")
	if len(levels) == 0 {
		t.Fatal("expected generated levels")
	}

	resp := postJSON(t, server.URL+"/api/sessions", map[string]string{
		"userId": "u1", "quizId": "quiz-1", "levelId": levels[0].ID,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var session domain.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	// Same triple returns the same session.
	resp2 := postJSON(t, server.URL+"/api/sessions", map[string]string{
		"userId": "u1", "quizId": "quiz-1", "levelId": levels[0].ID,
	})
	defer resp2.Body.Close()
	var again domain.Session
	_ = json.NewDecoder(resp2.Body).Decode(&again)
	if again.ID != session.ID {
		t.Fatalf("expected stable session id, got %s vs %s", again.ID, session.ID)
	}

	resp3 := postJSON(t, server.URL+"/api/attempts", map[string]any{
		"sessionId": session.ID, "questionId": "q1", "selectedAnswerIndex": 0, "isCorrect": true,
	})
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp3.StatusCode)
	}

	resumeResp, err := http.Get(server.URL + "/api/sessions/resume?sessionId=" + session.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	defer resumeResp.Body.Close()
	var attempts []domain.QuestionAttempt
	if err := json.NewDecoder(resumeResp.Body).Decode(&attempts); err != nil {
		t.Fatalf("decode attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].QuestionID != "q1" {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}
}

func TestQuestionsEndpointScramblesPerSession(t *testing.T) {
	store := seededStore(t, 12)
	server := newTestServer(t, store, memory.NewStaticSource())

	levels, _ := store.LevelsByQuiz(context.Background(), "quiz-1")
	url := server.URL + "/api/questions?levelId=" + levels[0].ID + "&sessionId=sess-1"
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get questions: %v", err)
	}
	defer resp.Body.Close()

	var views []questionView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != levels[0].QuestionCount {
		t.Fatalf("expected %d questions, got %d", levels[0].QuestionCount, len(views))
	}
	for _, view := range views {
		if len(view.Order) != len(view.Options) {
			t.Fatalf("expected scramble order for %s, got %v", view.ID, view.Order)
		}
	}
}

func TestCompleteLevelEndpoint(t *testing.T) {
	store := seededStore(t, 12)
	server := newTestServer(t, store, memory.NewStaticSource())

	levels, _ := store.LevelsByQuiz(context.Background(), "quiz-1")
	resp := postJSON(t, server.URL+"/api/levels/complete", map[string]string{
		"quizId": "quiz-1", "levelId": levels[0].ID,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	updated, _ := store.LevelsByQuiz(context.Background(), "quiz-1")
	if !updated[0].IsCompleted {
		t.Fatal("expected first level completed")
	}
	if len(updated) > 1 && !updated[1].IsUnlocked {
		t.Fatal("expected second level unlocked")
	}
}
