// Package store is the durable LocalStore: SQLite for the embedded
// offline-first deployment, Postgres for server-side ones. Both run the
// same bun models and migrations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"

	"quizpath-engine/internal/domain"
	"quizpath-engine/internal/infra/store/migrations"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// MetaSchemaVersion is the meta key recording the schema revision the
// store was last migrated to.
const (
	MetaSchemaVersion = "schema_version"
	schemaVersion     = "1"
)

// Store implements app.Store on a bun database.
type Store struct {
	db  *bun.DB
	log *zap.Logger
}

// Open connects to the configured driver. SQLite connections are capped to
// a single writer, matching the engine's single-local-writer model.
func Open(driver, dsn string, log *zap.Logger) (*Store, error) {
	switch driver {
	case DriverSQLite, "":
		sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqldb.SetMaxOpenConns(1)
		return &Store{db: bun.NewDB(sqldb, sqlitedialect.New()), log: log}, nil
	case DriverPostgres:
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		return &Store{db: bun.NewDB(sqldb, pgdialect.New()), log: log}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

// New wraps an existing bun handle (used by tests).
func New(db *bun.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log}
}

func (s *Store) DB() *bun.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Migrate applies the schema migrations and records the resulting schema
// version in the meta table.
func (s *Store) Migrate(ctx context.Context) error {
	migrator := migrate.NewMigrator(s.db, migrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		return err
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		return err
	}
	return s.SetMeta(ctx, MetaSchemaVersion, schemaVersion)
}

// --- codes ---

func (s *Store) GetCode(ctx context.Context, code string) (domain.Code, error) {
	var row domain.Code
	err := s.db.NewSelect().Model(&row).Where("code = ?", code).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Code{}, domain.ErrCodeNotFound
	}
	if err != nil {
		return domain.Code{}, err
	}
	return row, nil
}

func (s *Store) PutCode(ctx context.Context, code domain.Code) error {
	_, err := s.db.NewInsert().Model(&code).
		On("CONFLICT (code) DO UPDATE").
		Set("quiz_id = EXCLUDED.quiz_id").
		Set("verified = EXCLUDED.verified").
		Set("tombstone = EXCLUDED.tombstone").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// --- meta ---

func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var row domain.MetaEntry
	err := s.db.NewSelect().Model(&row).Where("key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	row := domain.MetaEntry{Key: key, Value: value}
	_, err := s.db.NewInsert().Model(&row).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// --- outbox ---

func (s *Store) AppendOutbox(ctx context.Context, entry domain.OutboxEntry) error {
	_, err := s.db.NewInsert().Model(&entry).Exec(ctx)
	return err
}

func (s *Store) ListOutbox(ctx context.Context) ([]domain.OutboxEntry, error) {
	entries := []domain.OutboxEntry{}
	err := s.db.NewSelect().Model(&entries).Order("created_at ASC", "id ASC").Scan(ctx)
	return entries, err
}

func (s *Store) DeleteOutbox(ctx context.Context, id string) error {
	_, err := s.db.NewDelete().Model((*domain.OutboxEntry)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

func (s *Store) IncrementOutboxRetry(ctx context.Context, id string) error {
	res, err := s.db.NewUpdate().Model((*domain.OutboxEntry)(nil)).
		Set("retries = retries + 1").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return domain.ErrOutboxEntryNotFound
	}
	return nil
}

// --- quizzes ---

func (s *Store) GetQuiz(ctx context.Context, id string) (domain.Quiz, error) {
	var row domain.Quiz
	err := s.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	if err != nil {
		return domain.Quiz{}, err
	}
	s.normalizeQuiz(&row)
	return row, nil
}

func (s *Store) PutQuiz(ctx context.Context, quiz domain.Quiz) error {
	quiz.DomainsRaw = domain.EncodeIDList(quiz.Domains)
	_, err := s.db.NewInsert().Model(&quiz).
		On("CONFLICT (id) DO UPDATE").
		Set("author_id = EXCLUDED.author_id").
		Set("name = EXCLUDED.name").
		Set("is_published = EXCLUDED.is_published").
		Set("domains = EXCLUDED.domains").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) ListQuizzes(ctx context.Context) ([]domain.Quiz, error) {
	quizzes := []domain.Quiz{}
	if err := s.db.NewSelect().Model(&quizzes).Order("created_at ASC", "id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	for i := range quizzes {
		s.normalizeQuiz(&quizzes[i])
	}
	return quizzes, nil
}

// normalizeQuiz is the one read boundary where the multi-shape domains
// column is parsed; malformed data degrades to an empty list.
func (s *Store) normalizeQuiz(quiz *domain.Quiz) {
	ids, err := domain.NormalizeIDList(quiz.DomainsRaw)
	if err != nil {
		s.log.Warn("malformed domains column, defaulting to empty",
			zap.String("quiz", quiz.ID), zap.Error(err))
	}
	quiz.Domains = ids
}

// --- domains ---

func (s *Store) PutDomains(ctx context.Context, domains []domain.Domain) error {
	if len(domains) == 0 {
		return nil
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for i := range domains {
			if _, err := tx.NewInsert().Model(&domains[i]).
				On("CONFLICT (id) DO UPDATE").
				Set("parent_id = EXCLUDED.parent_id").
				Set("name = EXCLUDED.name").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListDomains(ctx context.Context, ids []string) ([]domain.Domain, error) {
	domains := []domain.Domain{}
	if len(ids) == 0 {
		return domains, nil
	}
	err := s.db.NewSelect().Model(&domains).Where("id IN (?)", bun.In(ids)).Scan(ctx)
	return domains, err
}

// --- questions ---

func (s *Store) PutQuestions(ctx context.Context, questions []domain.Question) error {
	if len(questions) == 0 {
		return nil
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for i := range questions {
			questions[i].OptionsRaw = domain.EncodeOptions(questions[i].Options)
			if _, err := tx.NewInsert().Model(&questions[i]).
				On("CONFLICT (id) DO UPDATE").
				Set("body = EXCLUDED.body").
				Set("explanation = EXCLUDED.explanation").
				Set("options = EXCLUDED.options").
				Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) QuestionsByQuiz(ctx context.Context, quizID string) ([]domain.Question, error) {
	questions := []domain.Question{}
	err := s.db.NewSelect().Model(&questions).
		Where("quiz_id = ?", quizID).
		Order("position ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	for i := range questions {
		questions[i].Options = domain.ParseOptions(questions[i].OptionsRaw)
	}
	return questions, nil
}

func (s *Store) MaxQuestionPosition(ctx context.Context, quizID string) (int, error) {
	var max int
	err := s.db.NewSelect().Model((*domain.Question)(nil)).
		ColumnExpr("COALESCE(MAX(position), -1)").
		Where("quiz_id = ?", quizID).
		Scan(ctx, &max)
	return max, err
}

// --- levels ---

func (s *Store) PutLevels(ctx context.Context, levels []domain.Level) error {
	if len(levels) == 0 {
		return nil
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for i := range levels {
			levels[i].PrereqRaw = domain.EncodeIndexList(levels[i].Prerequisites)
			if _, err := tx.NewInsert().Model(&levels[i]).
				On("CONFLICT (id) DO UPDATE").
				Set("name = EXCLUDED.name").
				Set("type = EXCLUDED.type").
				Set("question_offset = EXCLUDED.question_offset").
				Set("question_count = EXCLUDED.question_count").
				Set("prerequisites = EXCLUDED.prerequisites").
				Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LevelsByQuiz(ctx context.Context, quizID string) ([]domain.Level, error) {
	levels := []domain.Level{}
	err := s.db.NewSelect().Model(&levels).
		Where("quiz_id = ?", quizID).
		Order("index_position ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	for i := range levels {
		levels[i].Prerequisites = domain.ParseIndexList(levels[i].PrereqRaw)
	}
	return levels, nil
}

func (s *Store) GetLevel(ctx context.Context, id string) (domain.Level, error) {
	var row domain.Level
	err := s.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Level{}, domain.ErrLevelNotFound
	}
	if err != nil {
		return domain.Level{}, err
	}
	row.Prerequisites = domain.ParseIndexList(row.PrereqRaw)
	return row, nil
}

func (s *Store) SetLevelCompleted(ctx context.Context, id string) error {
	return s.setLevelFlag(ctx, id, "is_completed")
}

func (s *Store) SetLevelUnlocked(ctx context.Context, id string) error {
	return s.setLevelFlag(ctx, id, "is_unlocked")
}

func (s *Store) setLevelFlag(ctx context.Context, id, column string) error {
	res, err := s.db.NewUpdate().Model((*domain.Level)(nil)).
		Set(column+" = ?", true).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return domain.ErrLevelNotFound
	}
	return nil
}

// --- level names ---

func (s *Store) PutLevelNames(ctx context.Context, names []domain.LevelName) error {
	if len(names) == 0 {
		return nil
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for i := range names {
			if _, err := tx.NewInsert().Model(&names[i]).
				On("CONFLICT (id) DO UPDATE").
				Set("type = EXCLUDED.type").
				Set("name = EXCLUDED.name").
				Set("position = EXCLUDED.position").
				Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListLevelNames(ctx context.Context) ([]domain.LevelName, error) {
	names := []domain.LevelName{}
	err := s.db.NewSelect().Model(&names).Order("type ASC", "position ASC").Scan(ctx)
	return names, err
}

// --- sessions ---

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var row domain.Session
	err := s.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, err
	}
	return row, nil
}

func (s *Store) FindSession(ctx context.Context, userID, quizID, levelID string) (domain.Session, error) {
	var row domain.Session
	err := s.db.NewSelect().Model(&row).
		Where("user_id = ?", userID).
		Where("quiz_id = ?", quizID).
		Where("level_id = ?", levelID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, err
	}
	return row, nil
}

// InsertSession relies on the unique (user, quiz, level) constraint:
// a conflicting insert affects zero rows and maps to ErrSessionExists so
// the caller can re-read the winning row.
func (s *Store) InsertSession(ctx context.Context, session domain.Session) error {
	res, err := s.db.NewInsert().Model(&session).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return domain.ErrSessionExists
	}
	return nil
}

// --- attempts ---

// UpsertAttempt keeps the row's identity (id, seq) from the first insert
// and replaces only the answer fields, so first-seen order survives
// re-answers. It returns the row as persisted, re-read inside the same
// transaction, so the caller holds the winning id even on a re-answer.
func (s *Store) UpsertAttempt(ctx context.Context, attempt domain.QuestionAttempt) (domain.QuestionAttempt, error) {
	var stored domain.QuestionAttempt
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var maxSeq int64
		if err := tx.NewSelect().Model((*domain.QuestionAttempt)(nil)).
			ColumnExpr("COALESCE(MAX(seq), 0)").
			Where("session_id = ?", attempt.SessionID).
			Scan(ctx, &maxSeq); err != nil {
			return err
		}
		attempt.Seq = maxSeq + 1

		if _, err := tx.NewInsert().Model(&attempt).
			On("CONFLICT (session_id, question_id) DO UPDATE").
			Set("selected_answer_index = EXCLUDED.selected_answer_index").
			Set("is_correct = EXCLUDED.is_correct").
			Set("is_attempted = EXCLUDED.is_attempted").
			Set("is_skipped = EXCLUDED.is_skipped").
			Set("is_marked_for_review = EXCLUDED.is_marked_for_review").
			Set("response_time_ms = EXCLUDED.response_time_ms").
			Set("timestamp = EXCLUDED.timestamp").
			Exec(ctx); err != nil {
			return err
		}

		return tx.NewSelect().Model(&stored).
			Where("session_id = ?", attempt.SessionID).
			Where("question_id = ?", attempt.QuestionID).
			Scan(ctx)
	})
	if err != nil {
		return domain.QuestionAttempt{}, err
	}
	return stored, nil
}

func (s *Store) AttemptsBySession(ctx context.Context, sessionID string) ([]domain.QuestionAttempt, error) {
	attempts := []domain.QuestionAttempt{}
	err := s.db.NewSelect().Model(&attempts).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Scan(ctx)
	return attempts, err
}
