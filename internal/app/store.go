package app

import (
	"context"

	"quizpath-engine/internal/domain"
)

// Store abstracts the durable local tables (SQLite, Postgres, in-memory).
// Bulk puts are transactional: a batch either fully applies or not at all.
// The store enforces no cross-table foreign keys; callers write parents
// (domains) before children (questions).
type Store interface {
	// codes
	GetCode(ctx context.Context, code string) (domain.Code, error)
	PutCode(ctx context.Context, code domain.Code) error

	// meta
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	// outbox
	AppendOutbox(ctx context.Context, entry domain.OutboxEntry) error
	ListOutbox(ctx context.Context) ([]domain.OutboxEntry, error)
	DeleteOutbox(ctx context.Context, id string) error
	IncrementOutboxRetry(ctx context.Context, id string) error

	// quizzes
	GetQuiz(ctx context.Context, id string) (domain.Quiz, error)
	PutQuiz(ctx context.Context, quiz domain.Quiz) error
	ListQuizzes(ctx context.Context) ([]domain.Quiz, error)

	// domains
	PutDomains(ctx context.Context, domains []domain.Domain) error
	ListDomains(ctx context.Context, ids []string) ([]domain.Domain, error)

	// questions (position-ordered per quiz)
	PutQuestions(ctx context.Context, questions []domain.Question) error
	QuestionsByQuiz(ctx context.Context, quizID string) ([]domain.Question, error)
	MaxQuestionPosition(ctx context.Context, quizID string) (int, error)

	// levels (index-ordered per quiz)
	PutLevels(ctx context.Context, levels []domain.Level) error
	LevelsByQuiz(ctx context.Context, quizID string) ([]domain.Level, error)
	GetLevel(ctx context.Context, id string) (domain.Level, error)
	SetLevelCompleted(ctx context.Context, id string) error
	SetLevelUnlocked(ctx context.Context, id string) error

	// level names
	PutLevelNames(ctx context.Context, names []domain.LevelName) error
	ListLevelNames(ctx context.Context) ([]domain.LevelName, error)

	// sessions
	GetSession(ctx context.Context, id string) (domain.Session, error)
	FindSession(ctx context.Context, userID, quizID, levelID string) (domain.Session, error)
	InsertSession(ctx context.Context, session domain.Session) error

	// attempts (first-seen order per session, unique per question).
	// UpsertAttempt returns the persisted row: on a re-answer that keeps
	// the first insert's id and seq, not the caller's candidate values.
	UpsertAttempt(ctx context.Context, attempt domain.QuestionAttempt) (domain.QuestionAttempt, error)
	AttemptsBySession(ctx context.Context, sessionID string) ([]domain.QuestionAttempt, error)
}

// RemoteSource abstracts the hosted backend the engine syncs against. All
// calls are network I/O; implementations wrap transport failures in
// domain.ErrRemoteUnavailable.
type RemoteSource interface {
	ResolveCode(ctx context.Context, code string) (domain.CodeGrant, error)
	HasUserClaim(ctx context.Context, userID, codeID string) (bool, error)
	FetchQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
	FetchDomains(ctx context.Context, ids []string) ([]domain.Domain, error)
	FetchQuestions(ctx context.Context, domainIDs []string) ([]domain.Question, error)
	FetchLevelNames(ctx context.Context) ([]domain.LevelName, error)
	RecordClaim(ctx context.Context, userID, quizID, codeID string) error
	ClaimedQuizzes(ctx context.Context, userID string) ([]domain.RemoteClaim, error)

	// Push replays an outbox mutation. The remote side applies payloads
	// idempotently (upsert by id), so double replay has no extra effect.
	Push(ctx context.Context, operation string, payload []byte) error
}
