package app

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"quizpath-engine/internal/domain"
	"quizpath-engine/internal/levelgen"
)

// AttemptInput carries one recorded answer. SelectedAnswerIndex is always
// the original (pre-scramble) option index; callers map display positions
// through domain.ScrambleOrder before calling.
type AttemptInput struct {
	QuestionID          string
	SelectedAnswerIndex int
	IsCorrect           bool
	IsSkipped           bool
	IsMarkedForReview   bool
	ResponseTimeMs      int64
}

// SessionService manages session lifecycle, idempotent attempt recording,
// and the level completion/unlock state machine. It also fans out progress
// events to subscribers per quiz.
type SessionService struct {
	store Store
	log   *zap.Logger

	// sf serializes check-then-create per (user, quiz, level) triple so
	// duplicate invocations converge on a single session id.
	sf singleflight.Group

	mu          sync.Mutex
	subscribers map[string]map[chan domain.ProgressEvent]struct{}
}

func NewSessionService(store Store, log *zap.Logger) *SessionService {
	return &SessionService{
		store:       store,
		log:         log,
		subscribers: make(map[string]map[chan domain.ProgressEvent]struct{}),
	}
}

// GetOrCreateSession returns the live session for the triple, creating it
// when absent. Safe under concurrent duplicate invocation: the per-triple
// singleflight collapses racers in-process, the store's unique constraint
// catches cross-writer races, and a creation failure re-checks for the
// winning row before propagating.
func (s *SessionService) GetOrCreateSession(ctx context.Context, userID, quizID, levelID string) (domain.Session, error) {
	key := userID + "|" + quizID + "|" + levelID
	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		session, err := s.store.FindSession(ctx, userID, quizID, levelID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, domain.ErrSessionNotFound) {
			return nil, err
		}

		session = domain.Session{
			ID:        uuid.NewString(),
			UserID:    userID,
			QuizID:    quizID,
			LevelID:   levelID,
			StartTime: time.Now().UTC(),
		}
		if err := s.store.InsertSession(ctx, session); err != nil {
			// A racing caller may have created the row first.
			if found, ferr := s.store.FindSession(ctx, userID, quizID, levelID); ferr == nil {
				return found, nil
			}
			return nil, fmt.Errorf("create session: %w", err)
		}
		return session, nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return v.(domain.Session), nil
}

// RecordAttempt appends or updates the attempt for (session, question).
// Re-recording keeps the first-seen order and replaces the answer, so a
// later replay sees the latest answer in the original ordering. The
// returned attempt is the persisted row, carrying the first insert's id
// and seq on a re-answer.
func (s *SessionService) RecordAttempt(ctx context.Context, sessionID string, input AttemptInput) (domain.QuestionAttempt, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.QuestionAttempt{}, err
	}

	attempt := domain.QuestionAttempt{
		ID:                  uuid.NewString(),
		SessionID:           sessionID,
		QuizID:              session.QuizID,
		QuestionID:          input.QuestionID,
		SelectedAnswerIndex: input.SelectedAnswerIndex,
		IsCorrect:           input.IsCorrect,
		IsAttempted:         !input.IsSkipped,
		IsSkipped:           input.IsSkipped,
		IsMarkedForReview:   input.IsMarkedForReview,
		ResponseTimeMs:      input.ResponseTimeMs,
		Timestamp:           time.Now().UTC(),
	}
	stored, err := s.store.UpsertAttempt(ctx, attempt)
	if err != nil {
		return domain.QuestionAttempt{}, fmt.Errorf("record attempt: %w", err)
	}

	s.broadcast(domain.ProgressEvent{
		Type:      domain.EventAttemptRecorded,
		QuizID:    session.QuizID,
		LevelID:   session.LevelID,
		SessionID: sessionID,
		At:        stored.Timestamp,
	})
	return stored, nil
}

// Resume reconstructs the in-progress state of a session: attempts in
// first-seen order, one per question, each carrying the latest answer.
func (s *SessionService) Resume(ctx context.Context, sessionID string) ([]domain.QuestionAttempt, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.AttemptsBySession(ctx, sessionID)
}

// CompleteLevelAndUnlockNext marks a level completed and unlocks its
// successor in index order. Both flags only move false -> true; completing
// an already-completed level is a no-op with no duplicate writes or events.
func (s *SessionService) CompleteLevelAndUnlockNext(ctx context.Context, levelID, quizID string) error {
	level, err := s.store.GetLevel(ctx, levelID)
	if err != nil {
		return err
	}
	if level.QuizID != quizID {
		return fmt.Errorf("%w: level %s does not belong to quiz %s", domain.ErrLevelNotFound, levelID, quizID)
	}
	if level.IsCompleted {
		return nil
	}

	if err := s.store.SetLevelCompleted(ctx, levelID); err != nil {
		return fmt.Errorf("mark level completed: %w", err)
	}
	now := time.Now().UTC()
	s.broadcast(domain.ProgressEvent{Type: domain.EventLevelCompleted, QuizID: quizID, LevelID: levelID, At: now})

	levels, err := s.store.LevelsByQuiz(ctx, quizID)
	if err != nil {
		return fmt.Errorf("list levels: %w", err)
	}
	for _, next := range levels {
		if next.IndexPosition != level.IndexPosition+1 {
			continue
		}
		if !next.IsUnlocked {
			if err := s.store.SetLevelUnlocked(ctx, next.ID); err != nil {
				return fmt.Errorf("unlock next level: %w", err)
			}
			s.broadcast(domain.ProgressEvent{Type: domain.EventLevelUnlocked, QuizID: quizID, LevelID: next.ID, At: now})
		}
		break
	}
	return nil
}

// GetLevelsForQuiz returns the quiz's levels in index order.
func (s *SessionService) GetLevelsForQuiz(ctx context.Context, quizID string) ([]domain.Level, error) {
	return s.store.LevelsByQuiz(ctx, quizID)
}

// GetQuestionsForQuiz returns the quiz's questions in position order.
func (s *SessionService) GetQuestionsForQuiz(ctx context.Context, quizID string) ([]domain.Question, error) {
	return s.store.QuestionsByQuiz(ctx, quizID)
}

// QuestionsForLevel resolves the questions a level presents. Normal levels
// serve their contiguous slice of the position-ordered pool; review levels
// replay a bounded, session-stable selection of previously-seen questions.
func (s *SessionService) QuestionsForLevel(ctx context.Context, levelID, sessionID string) ([]domain.Question, error) {
	level, err := s.store.GetLevel(ctx, levelID)
	if err != nil {
		return nil, err
	}
	questions, err := s.store.QuestionsByQuiz(ctx, level.QuizID)
	if err != nil {
		return nil, err
	}

	if level.Type == domain.LevelTypeNormal {
		start := level.QuestionOffset
		end := start + level.QuestionCount
		if start > len(questions) {
			start = len(questions)
		}
		if end > len(questions) {
			end = len(questions)
		}
		return questions[start:end], nil
	}

	seenEnd := level.QuestionOffset
	if seenEnd > len(questions) {
		seenEnd = len(questions)
	}
	seen := make([]domain.Question, seenEnd)
	copy(seen, questions[:seenEnd])

	// Stable within a session: the same review level replays the same set
	// across restarts, but different sessions see different selections.
	h := fnv.New64a()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(levelID))
	rnd := rand.New(rand.NewSource(int64(h.Sum64())))
	rnd.Shuffle(len(seen), func(i, j int) { seen[i], seen[j] = seen[j], seen[i] })

	limit := levelgen.ReviewLimit(level.Type)
	if limit > len(seen) {
		limit = len(seen)
	}
	return seen[:limit], nil
}

// Subscribe returns a channel of progress events for a quiz. The caller
// must invoke the cancel function to avoid leaks.
func (s *SessionService) Subscribe(quizID string) (<-chan domain.ProgressEvent, func()) {
	ch := make(chan domain.ProgressEvent, 8)

	s.mu.Lock()
	if s.subscribers[quizID] == nil {
		s.subscribers[quizID] = make(map[chan domain.ProgressEvent]struct{})
	}
	s.subscribers[quizID][ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if subs, ok := s.subscribers[quizID]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(s.subscribers, quizID)
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *SessionService) broadcast(event domain.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers[event.QuizID] {
		select {
		case ch <- event:
		default:
			// Drop the oldest pending event so slow consumers never block
			// the recording path.
			select {
			case <-ch:
			default:
			}
			ch <- event
		}
	}
}
