// Package postgres implements app.RemoteSource against the hosted content
// database. Content rows carry a JSON payload column so the hosted schema
// can evolve without local migrations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quizpath-engine/internal/domain"
)

type Source struct {
	pool *pgxpool.Pool
}

func NewSource(pool *pgxpool.Pool) *Source {
	return &Source{pool: pool}
}

// wrapRemote tags transport failures so callers can branch on
// domain.ErrRemoteUnavailable without string matching.
func wrapRemote(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, domain.ErrRemoteUnavailable, err)
}

func (s *Source) ResolveCode(ctx context.Context, code string) (domain.CodeGrant, error) {
	var grant domain.CodeGrant
	err := s.pool.QueryRow(ctx,
		`SELECT code_id, quiz_id FROM codes WHERE code=$1`, code,
	).Scan(&grant.CodeID, &grant.QuizID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CodeGrant{}, domain.ErrInvalidCode
	}
	if err != nil {
		return domain.CodeGrant{}, wrapRemote("resolve code", err)
	}
	return grant, nil
}

func (s *Source) HasUserClaim(ctx context.Context, userID, codeID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM claims WHERE user_id=$1 AND code_id=$2)`,
		userID, codeID,
	).Scan(&exists)
	if err != nil {
		return false, wrapRemote("check claim", err)
	}
	return exists, nil
}

func (s *Source) FetchQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM quizzes WHERE id=$1`, quizID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	if err != nil {
		return domain.Quiz{}, wrapRemote("fetch quiz", err)
	}
	quiz, err := decodeQuiz(raw)
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("decode quiz %s: %w", quizID, err)
	}
	quiz.ID = quizID
	return quiz, nil
}

// decodeQuiz tolerates the historical payload shapes for the domains
// field: a JSON array, a JSON-encoded string of an array, or a comma
// list. Anything else degrades to an empty list.
func decodeQuiz(raw []byte) (domain.Quiz, error) {
	var payload struct {
		AuthorID    string          `json:"authorId"`
		Name        string          `json:"name"`
		IsPublished bool            `json:"isPublished"`
		Domains     json.RawMessage `json:"domains"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.Quiz{}, err
	}
	quiz := domain.Quiz{
		AuthorID:    payload.AuthorID,
		Name:        payload.Name,
		IsPublished: payload.IsPublished,
	}
	if len(payload.Domains) > 0 {
		quiz.Domains, _ = domain.NormalizeIDList(string(payload.Domains))
	}
	return quiz, nil
}

func (s *Source) FetchDomains(ctx context.Context, ids []string) ([]domain.Domain, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, payload FROM domains WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, wrapRemote("fetch domains", err)
	}
	defer rows.Close()

	var domains []domain.Domain
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, wrapRemote("fetch domains", err)
		}
		var d domain.Domain
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode domain %s: %w", id, err)
		}
		d.ID = id
		domains = append(domains, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapRemote("fetch domains", err)
	}
	return domains, nil
}

func (s *Source) FetchQuestions(ctx context.Context, domainIDs []string) ([]domain.Question, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, domain_id, payload FROM questions WHERE domain_id = ANY($1) ORDER BY domain_id, id`,
		domainIDs)
	if err != nil {
		return nil, wrapRemote("fetch questions", err)
	}
	defer rows.Close()

	var questions []domain.Question
	for rows.Next() {
		var (
			id, domainID string
			raw          []byte
		)
		if err := rows.Scan(&id, &domainID, &raw); err != nil {
			return nil, wrapRemote("fetch questions", err)
		}
		var q domain.Question
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, fmt.Errorf("decode question %s: %w", id, err)
		}
		q.ID = id
		q.DomainID = domainID
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapRemote("fetch questions", err)
	}
	return questions, nil
}

func (s *Source) FetchLevelNames(ctx context.Context) ([]domain.LevelName, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, name, position FROM level_names ORDER BY type, position`)
	if err != nil {
		return nil, wrapRemote("fetch level names", err)
	}
	defer rows.Close()

	var names []domain.LevelName
	for rows.Next() {
		var n domain.LevelName
		if err := rows.Scan(&n.ID, &n.Type, &n.Name, &n.Position); err != nil {
			return nil, wrapRemote("fetch level names", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapRemote("fetch level names", err)
	}
	return names, nil
}

func (s *Source) RecordClaim(ctx context.Context, userID, quizID, codeID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO claims (user_id, quiz_id, code_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, code_id) DO NOTHING`,
		userID, quizID, codeID)
	if err != nil {
		return wrapRemote("record claim", err)
	}
	return nil
}

func (s *Source) ClaimedQuizzes(ctx context.Context, userID string) ([]domain.RemoteClaim, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, quiz_id, code_id FROM claims WHERE user_id=$1`, userID)
	if err != nil {
		return nil, wrapRemote("list claims", err)
	}
	defer rows.Close()

	var claims []domain.RemoteClaim
	for rows.Next() {
		var claim domain.RemoteClaim
		if err := rows.Scan(&claim.UserID, &claim.QuizID, &claim.CodeID); err != nil {
			return nil, wrapRemote("list claims", err)
		}
		claims = append(claims, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapRemote("list claims", err)
	}
	return claims, nil
}

// Push applies an outbox payload. Both payload kinds upsert by their
// natural key, so replaying an already-applied entry is a no-op.
func (s *Source) Push(ctx context.Context, operation string, payload []byte) error {
	var kind struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(payload, &kind); err != nil {
		return fmt.Errorf("decode outbox payload: %w", err)
	}

	switch kind.Kind {
	case domain.PayloadKindClaim:
		var p domain.ClaimPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode claim payload: %w", err)
		}
		return s.RecordClaim(ctx, p.UserID, p.QuizID, p.CodeID)

	case domain.PayloadKindProgress:
		var p domain.ProgressPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode progress payload: %w", err)
		}
		_, err := s.pool.Exec(ctx,
			`INSERT INTO level_progress (user_id, quiz_id, level_id, completed)
			 VALUES ($1, $2, $3, TRUE)
			 ON CONFLICT (user_id, level_id) DO UPDATE SET completed = TRUE`,
			p.UserID, p.QuizID, p.LevelID)
		if err != nil {
			return wrapRemote("push progress", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown outbox payload kind %q (operation %s)", kind.Kind, operation)
	}
}

// EnsureSchema creates the content tables when the engine owns the
// database, which is the case in tests and self-hosted deployments.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS codes (
			code TEXT PRIMARY KEY,
			code_id TEXT NOT NULL,
			quiz_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS quizzes (
			id TEXT PRIMARY KEY,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS domains (
			id TEXT PRIMARY KEY,
			payload JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS questions (
			id TEXT PRIMARY KEY,
			domain_id TEXT NOT NULL,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_domain ON questions (domain_id)`,
		`CREATE TABLE IF NOT EXISTS level_names (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS claims (
			user_id TEXT NOT NULL,
			quiz_id TEXT NOT NULL,
			code_id TEXT NOT NULL,
			PRIMARY KEY (user_id, code_id)
		)`,
		`CREATE TABLE IF NOT EXISTS level_progress (
			user_id TEXT NOT NULL,
			quiz_id TEXT NOT NULL,
			level_id TEXT NOT NULL,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (user_id, level_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure content schema: %w", err)
		}
	}
	return nil
}
