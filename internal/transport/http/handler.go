// Package http exposes the engine's public operations as a JSON API plus a
// websocket progress stream.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"quizpath-engine/internal/app"
	"quizpath-engine/internal/domain"
)

type Handler struct {
	claims   *app.ClaimService
	sessions *app.SessionService
	outbox   *app.OutboxService
	log      *zap.Logger
}

func NewHandler(claims *app.ClaimService, sessions *app.SessionService, outbox *app.OutboxService, log *zap.Logger) *Handler {
	return &Handler{claims: claims, sessions: sessions, outbox: outbox, log: log}
}

// Register wires the API routes onto a mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/claim", h.handleClaim)
	mux.HandleFunc("/api/sync", h.handleSync)
	mux.HandleFunc("/api/levels", h.handleLevels)
	mux.HandleFunc("/api/questions", h.handleQuestions)
	mux.HandleFunc("/api/sessions", h.handleSessions)
	mux.HandleFunc("/api/sessions/resume", h.handleResume)
	mux.HandleFunc("/api/attempts", h.handleAttempts)
	mux.HandleFunc("/api/levels/complete", h.handleCompleteLevel)
}

type claimRequest struct {
	UserID string `json:"userId"`
	Code   string `json:"code"`
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Code == "" {
		badRequest(w, "userId and code are required")
		return
	}

	outcome, err := h.claims.ClaimQuiz(r.Context(), req.UserID, req.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse(outcome))
}

// claimResponse flattens warnings into strings so the wire shape is stable.
func claimResponse(outcome domain.ClaimOutcome) map[string]any {
	warnings := make([]string, 0, len(outcome.Warnings))
	for _, warning := range outcome.Warnings {
		warnings = append(warnings, warning.String())
	}
	return map[string]any{
		"quizId":            outcome.QuizID,
		"domainsImported":   outcome.DomainsImported,
		"questionsImported": outcome.QuestionsImported,
		"levelsGenerated":   outcome.LevelsGenerated,
		"warnings":          warnings,
	}
}

type syncRequest struct {
	UserID string `json:"userId"`
}

// handleSync runs the full reconnect sequence: download missing claimed
// quizzes, diff-sync updates, then drain the outbox.
func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		badRequest(w, "userId is required")
		return
	}

	downloaded, err := h.claims.CheckAndDownloadClaimedQuizzes(r.Context(), req.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	updates, err := h.claims.CheckForUpdates(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	drain, err := h.outbox.Drain(r.Context())
	if err != nil && !errors.Is(err, domain.ErrDrainInProgress) {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"downloaded": downloaded,
		"updates":    updates,
		"outbox":     drain,
	})
}

func (h *Handler) handleLevels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	quizID := r.URL.Query().Get("quizId")
	if quizID == "" {
		badRequest(w, "quizId is required")
		return
	}
	levels, err := h.sessions.GetLevelsForQuiz(r.Context(), quizID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, levels)
}

// handleQuestions serves either the whole quiz pool (?quizId=) or the
// resolved set for one level (?levelId=&sessionId=), with options scrambled
// per session when a session is given.
func (h *Handler) handleQuestions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	levelID := r.URL.Query().Get("levelId")
	sessionID := r.URL.Query().Get("sessionId")
	quizID := r.URL.Query().Get("quizId")

	var (
		questions []domain.Question
		err       error
	)
	switch {
	case levelID != "":
		questions, err = h.sessions.QuestionsForLevel(r.Context(), levelID, sessionID)
	case quizID != "":
		questions, err = h.sessions.GetQuestionsForQuiz(r.Context(), quizID)
	default:
		badRequest(w, "quizId or levelId is required")
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presentQuestions(questions, sessionID))
}

type questionView struct {
	ID          string   `json:"id"`
	QuizID      string   `json:"quizId"`
	DomainID    string   `json:"domainId"`
	Body        string   `json:"body"`
	Explanation string   `json:"explanation"`
	Options     []string `json:"options"`
	Order       []int    `json:"order,omitempty"`
	Position    int      `json:"position"`
}

// presentQuestions attaches the per-session display order. Options stay in
// original index order so recorded answers reference stable indexes; the
// client renders them permuted by Order.
func presentQuestions(questions []domain.Question, sessionID string) []questionView {
	views := make([]questionView, 0, len(questions))
	for _, q := range questions {
		view := questionView{
			ID:          q.ID,
			QuizID:      q.QuizID,
			DomainID:    q.DomainID,
			Body:        q.Body,
			Explanation: q.Explanation,
			Options:     make([]string, len(q.Options)),
			Position:    q.Position,
		}
		for i, opt := range q.Options {
			view.Options[i] = domain.OptionText(opt)
		}
		if sessionID != "" {
			view.Order = domain.ScrambleOrder(len(q.Options), sessionID, q.ID)
		}
		views = append(views, view)
	}
	return views
}

type sessionRequest struct {
	UserID  string `json:"userId"`
	QuizID  string `json:"quizId"`
	LevelID string `json:"levelId"`
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.QuizID == "" || req.LevelID == "" {
		badRequest(w, "userId, quizId and levelId are required")
		return
	}
	session, err := h.sessions.GetOrCreateSession(r.Context(), req.UserID, req.QuizID, req.LevelID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		badRequest(w, "sessionId is required")
		return
	}
	attempts, err := h.sessions.Resume(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

type attemptRequest struct {
	SessionID           string `json:"sessionId"`
	QuestionID          string `json:"questionId"`
	SelectedAnswerIndex int    `json:"selectedAnswerIndex"`
	IsCorrect           bool   `json:"isCorrect"`
	IsSkipped           bool   `json:"isSkipped"`
	IsMarkedForReview   bool   `json:"isMarkedForReview"`
	ResponseTimeMs      int64  `json:"responseTimeMs"`
}

func (h *Handler) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req attemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.QuestionID == "" {
		badRequest(w, "sessionId and questionId are required")
		return
	}
	attempt, err := h.sessions.RecordAttempt(r.Context(), req.SessionID, app.AttemptInput{
		QuestionID:          req.QuestionID,
		SelectedAnswerIndex: req.SelectedAnswerIndex,
		IsCorrect:           req.IsCorrect,
		IsSkipped:           req.IsSkipped,
		IsMarkedForReview:   req.IsMarkedForReview,
		ResponseTimeMs:      req.ResponseTimeMs,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

type completeLevelRequest struct {
	QuizID  string `json:"quizId"`
	LevelID string `json:"levelId"`
}

func (h *Handler) handleCompleteLevel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req completeLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuizID == "" || req.LevelID == "" {
		badRequest(w, "quizId and levelId are required")
		return
	}
	if err := h.sessions.CompleteLevelAndUnlockNext(r.Context(), req.LevelID, req.QuizID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidCode),
		errors.Is(err, domain.ErrQuizNotFound),
		errors.Is(err, domain.ErrLevelNotFound),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrCodeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyClaimedLocally),
		errors.Is(err, domain.ErrAlreadyClaimedByUser),
		errors.Is(err, domain.ErrAlreadyInLibrary),
		errors.Is(err, domain.ErrDrainInProgress):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientQuestions):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRemoteUnavailable):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}
