// Package memory provides in-memory implementations of the app interfaces
// so tests and demos can run without a database or network.
package memory

import (
	"context"
	"sort"
	"sync"

	"quizpath-engine/internal/domain"
)

// Store is an in-memory app.Store. Writes are atomic under one lock, which
// trivially satisfies the transactional bulk-put contract.
type Store struct {
	mu sync.RWMutex

	codes      map[string]domain.Code
	meta       map[string]string
	outbox     []domain.OutboxEntry
	quizzes    map[string]domain.Quiz
	domains    map[string]domain.Domain
	questions  map[string]domain.Question
	levels     map[string]domain.Level
	levelNames map[string]domain.LevelName
	sessions   map[string]domain.Session
	byTriple   map[string]string
	attempts   map[string][]domain.QuestionAttempt
	attemptIdx map[string]map[string]int
}

func NewStore() *Store {
	return &Store{
		codes:      make(map[string]domain.Code),
		meta:       make(map[string]string),
		quizzes:    make(map[string]domain.Quiz),
		domains:    make(map[string]domain.Domain),
		questions:  make(map[string]domain.Question),
		levels:     make(map[string]domain.Level),
		levelNames: make(map[string]domain.LevelName),
		sessions:   make(map[string]domain.Session),
		byTriple:   make(map[string]string),
		attempts:   make(map[string][]domain.QuestionAttempt),
		attemptIdx: make(map[string]map[string]int),
	}
}

func tripleKey(userID, quizID, levelID string) string {
	return userID + "|" + quizID + "|" + levelID
}

func (s *Store) GetCode(_ context.Context, code string) (domain.Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if row, ok := s.codes[code]; ok {
		return row, nil
	}
	return domain.Code{}, domain.ErrCodeNotFound
}

func (s *Store) PutCode(_ context.Context, code domain.Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
	return nil
}

func (s *Store) GetMeta(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta[key], nil
}

func (s *Store) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *Store) AppendOutbox(_ context.Context, entry domain.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, entry)
	return nil
}

func (s *Store) ListOutbox(_ context.Context) ([]domain.OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]domain.OutboxEntry, len(s.outbox))
	copy(entries, s.outbox)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

func (s *Store) DeleteOutbox(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entry := range s.outbox {
		if entry.ID == id {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) IncrementOutboxRetry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Retries++
			return nil
		}
	}
	return domain.ErrOutboxEntryNotFound
}

func (s *Store) GetQuiz(_ context.Context, id string) (domain.Quiz, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if quiz, ok := s.quizzes[id]; ok {
		return quiz, nil
	}
	return domain.Quiz{}, domain.ErrQuizNotFound
}

func (s *Store) PutQuiz(_ context.Context, quiz domain.Quiz) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	quiz.DomainsRaw = domain.EncodeIDList(quiz.Domains)
	s.quizzes[quiz.ID] = quiz
	return nil
}

func (s *Store) ListQuizzes(_ context.Context) ([]domain.Quiz, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	quizzes := make([]domain.Quiz, 0, len(s.quizzes))
	for _, quiz := range s.quizzes {
		quizzes = append(quizzes, quiz)
	}
	sort.SliceStable(quizzes, func(i, j int) bool { return quizzes[i].ID < quizzes[j].ID })
	return quizzes, nil
}

func (s *Store) PutDomains(_ context.Context, domains []domain.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range domains {
		s.domains[d.ID] = d
	}
	return nil
}

func (s *Store) ListDomains(_ context.Context, ids []string) ([]domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	domains := make([]domain.Domain, 0, len(ids))
	for _, id := range ids {
		if d, ok := s.domains[id]; ok {
			domains = append(domains, d)
		}
	}
	return domains, nil
}

func (s *Store) PutQuestions(_ context.Context, questions []domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range questions {
		q.OptionsRaw = domain.EncodeOptions(q.Options)
		s.questions[q.ID] = q
	}
	return nil
}

func (s *Store) QuestionsByQuiz(_ context.Context, quizID string) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	questions := []domain.Question{}
	for _, q := range s.questions {
		if q.QuizID == quizID {
			questions = append(questions, q)
		}
	}
	sort.SliceStable(questions, func(i, j int) bool {
		if questions[i].Position != questions[j].Position {
			return questions[i].Position < questions[j].Position
		}
		return questions[i].ID < questions[j].ID
	})
	return questions, nil
}

func (s *Store) MaxQuestionPosition(_ context.Context, quizID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := -1
	for _, q := range s.questions {
		if q.QuizID == quizID && q.Position > max {
			max = q.Position
		}
	}
	return max, nil
}

func (s *Store) PutLevels(_ context.Context, levels []domain.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, level := range levels {
		level.PrereqRaw = domain.EncodeIndexList(level.Prerequisites)
		if existing, ok := s.levels[level.ID]; ok {
			// Unlock/completion flags are monotone; a regeneration pass
			// must not re-lock progress.
			level.IsUnlocked = level.IsUnlocked || existing.IsUnlocked
			level.IsCompleted = existing.IsCompleted
		}
		s.levels[level.ID] = level
	}
	return nil
}

func (s *Store) LevelsByQuiz(_ context.Context, quizID string) ([]domain.Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	levels := []domain.Level{}
	for _, level := range s.levels {
		if level.QuizID == quizID {
			levels = append(levels, level)
		}
	}
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].IndexPosition < levels[j].IndexPosition })
	return levels, nil
}

func (s *Store) GetLevel(_ context.Context, id string) (domain.Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if level, ok := s.levels[id]; ok {
		return level, nil
	}
	return domain.Level{}, domain.ErrLevelNotFound
}

func (s *Store) SetLevelCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	level, ok := s.levels[id]
	if !ok {
		return domain.ErrLevelNotFound
	}
	level.IsCompleted = true
	s.levels[id] = level
	return nil
}

func (s *Store) SetLevelUnlocked(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	level, ok := s.levels[id]
	if !ok {
		return domain.ErrLevelNotFound
	}
	level.IsUnlocked = true
	s.levels[id] = level
	return nil
}

func (s *Store) PutLevelNames(_ context.Context, names []domain.LevelName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.levelNames[n.ID] = n
	}
	return nil
}

func (s *Store) ListLevelNames(_ context.Context) ([]domain.LevelName, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]domain.LevelName, 0, len(s.levelNames))
	for _, n := range s.levelNames {
		names = append(names, n)
	}
	sort.SliceStable(names, func(i, j int) bool {
		if names[i].Type != names[j].Type {
			return names[i].Type < names[j].Type
		}
		return names[i].Position < names[j].Position
	})
	return names, nil
}

func (s *Store) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if session, ok := s.sessions[id]; ok {
		return session, nil
	}
	return domain.Session{}, domain.ErrSessionNotFound
}

func (s *Store) FindSession(_ context.Context, userID, quizID, levelID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.byTriple[tripleKey(userID, quizID, levelID)]; ok {
		return s.sessions[id], nil
	}
	return domain.Session{}, domain.ErrSessionNotFound
}

func (s *Store) InsertSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tripleKey(session.UserID, session.QuizID, session.LevelID)
	if _, ok := s.byTriple[key]; ok {
		return domain.ErrSessionExists
	}
	s.sessions[session.ID] = session
	s.byTriple[key] = session.ID
	return nil
}

func (s *Store) UpsertAttempt(_ context.Context, attempt domain.QuestionAttempt) (domain.QuestionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.attemptIdx[attempt.SessionID]
	if !ok {
		idx = make(map[string]int)
		s.attemptIdx[attempt.SessionID] = idx
	}

	if pos, ok := idx[attempt.QuestionID]; ok {
		existing := s.attempts[attempt.SessionID][pos]
		attempt.ID = existing.ID
		attempt.Seq = existing.Seq
		s.attempts[attempt.SessionID][pos] = attempt
		return attempt, nil
	}

	attempt.Seq = int64(len(s.attempts[attempt.SessionID]) + 1)
	idx[attempt.QuestionID] = len(s.attempts[attempt.SessionID])
	s.attempts[attempt.SessionID] = append(s.attempts[attempt.SessionID], attempt)
	return attempt, nil
}

func (s *Store) AttemptsBySession(_ context.Context, sessionID string) ([]domain.QuestionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempts := make([]domain.QuestionAttempt, len(s.attempts[sessionID]))
	copy(attempts, s.attempts[sessionID])
	return attempts, nil
}
