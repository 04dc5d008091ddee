package memory

import (
	"context"
	"sync"

	"quizpath-engine/internal/domain"
)

// StaticSource is a fixture-backed app.RemoteSource. Tests and the demo
// server load it with canned content; per-call error fields simulate an
// unreachable or partially broken backend.
type StaticSource struct {
	mu sync.Mutex

	Codes      map[string]domain.CodeGrant
	Quizzes    map[string]domain.Quiz
	Domains    map[string]domain.Domain
	Questions  map[string][]domain.Question // keyed by domain id
	NamePool   []domain.LevelName
	Claims     []domain.RemoteClaim
	PushedOps  []string
	PushedRaw  [][]byte

	ResolveErr    error
	HasClaimErr   error
	QuizErr       error
	DomainsErr    error
	QuestionsErr  error
	LevelNamesErr error
	RecordErr     error
	ClaimedErr    error
	PushErr       error
}

func NewStaticSource() *StaticSource {
	return &StaticSource{
		Codes:     make(map[string]domain.CodeGrant),
		Quizzes:   make(map[string]domain.Quiz),
		Domains:   make(map[string]domain.Domain),
		Questions: make(map[string][]domain.Question),
	}
}

func (s *StaticSource) ResolveCode(_ context.Context, code string) (domain.CodeGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ResolveErr != nil {
		return domain.CodeGrant{}, s.ResolveErr
	}
	grant, ok := s.Codes[code]
	if !ok {
		return domain.CodeGrant{}, domain.ErrInvalidCode
	}
	return grant, nil
}

func (s *StaticSource) HasUserClaim(_ context.Context, userID, codeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HasClaimErr != nil {
		return false, s.HasClaimErr
	}
	for _, claim := range s.Claims {
		if claim.UserID == userID && claim.CodeID == codeID {
			return true, nil
		}
	}
	return false, nil
}

func (s *StaticSource) FetchQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QuizErr != nil {
		return domain.Quiz{}, s.QuizErr
	}
	quiz, ok := s.Quizzes[quizID]
	if !ok {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	return quiz, nil
}

func (s *StaticSource) FetchDomains(_ context.Context, ids []string) ([]domain.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DomainsErr != nil {
		return nil, s.DomainsErr
	}
	domains := make([]domain.Domain, 0, len(ids))
	for _, id := range ids {
		if d, ok := s.Domains[id]; ok {
			domains = append(domains, d)
		}
	}
	return domains, nil
}

func (s *StaticSource) FetchQuestions(_ context.Context, domainIDs []string) ([]domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QuestionsErr != nil {
		return nil, s.QuestionsErr
	}
	var questions []domain.Question
	for _, id := range domainIDs {
		questions = append(questions, s.Questions[id]...)
	}
	return questions, nil
}

func (s *StaticSource) FetchLevelNames(_ context.Context) ([]domain.LevelName, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LevelNamesErr != nil {
		return nil, s.LevelNamesErr
	}
	names := make([]domain.LevelName, len(s.NamePool))
	copy(names, s.NamePool)
	return names, nil
}

func (s *StaticSource) RecordClaim(_ context.Context, userID, quizID, codeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecordErr != nil {
		return s.RecordErr
	}
	for _, claim := range s.Claims {
		if claim.UserID == userID && claim.CodeID == codeID {
			return nil
		}
	}
	s.Claims = append(s.Claims, domain.RemoteClaim{UserID: userID, QuizID: quizID, CodeID: codeID})
	return nil
}

func (s *StaticSource) ClaimedQuizzes(_ context.Context, userID string) ([]domain.RemoteClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ClaimedErr != nil {
		return nil, s.ClaimedErr
	}
	var claims []domain.RemoteClaim
	for _, claim := range s.Claims {
		if claim.UserID == userID {
			claims = append(claims, claim)
		}
	}
	return claims, nil
}

func (s *StaticSource) Push(_ context.Context, operation string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PushErr != nil {
		return s.PushErr
	}
	s.PushedOps = append(s.PushedOps, operation)
	raw := make([]byte, len(payload))
	copy(raw, payload)
	s.PushedRaw = append(s.PushedRaw, raw)
	return nil
}
