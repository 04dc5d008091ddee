package domain

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// Level types in presentation order semantics: normal levels consume fresh
// questions, mini-boss and boss levels review previously-seen ones.
const (
	LevelTypeNormal   = "normal"
	LevelTypeMiniBoss = "mini_boss"
	LevelTypeBoss     = "boss"
)

// Outbox operations mirror the mutation verbs the remote side applies.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Code is a redeemed claim code. Rows are created on successful claim and
// never mutated afterwards except for tombstoning.
type Code struct {
	bun.BaseModel `bun:"table:codes"`

	Code      string    `bun:"code,pk" json:"code"`
	QuizID    string    `bun:"quiz_id" json:"quizId"`
	Verified  bool      `bun:"verified" json:"verified"`
	Tombstone bool      `bun:"tombstone" json:"tombstone"`
	UpdatedAt time.Time `bun:"updated_at" json:"updatedAt"`
}

// OutboxEntry is a pending remote mutation. Retries only ever increments;
// the row is deleted once the remote side acknowledges the replay.
type OutboxEntry struct {
	bun.BaseModel `bun:"table:outbox"`

	ID        string          `bun:"id,pk" json:"id"`
	Operation string          `bun:"operation" json:"operation"`
	Payload   json.RawMessage `bun:"payload" json:"payload"`
	CreatedAt time.Time       `bun:"created_at" json:"createdAt"`
	Retries   int             `bun:"retries" json:"retries"`
}

// Quiz is a claimed collection of domains. Domains is normalized at the
// read boundary (see ParseIDList) and persisted as a JSON text column.
type Quiz struct {
	bun.BaseModel `bun:"table:quizzes"`

	ID          string    `bun:"id,pk" json:"id"`
	AuthorID    string    `bun:"author_id" json:"authorId"`
	Name        string    `bun:"name" json:"name"`
	IsPublished bool      `bun:"is_published" json:"isPublished"`
	Domains     []string  `bun:"-" json:"domains"`
	DomainsRaw  string    `bun:"domains" json:"-"`
	CreatedAt   time.Time `bun:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `bun:"updated_at" json:"updatedAt"`
}

// Domain is a topical folder owning questions; ParentID forms a tree.
// Cycle-freedom is enforced by the remote source and trusted locally.
type Domain struct {
	bun.BaseModel `bun:"table:domains"`

	ID        string    `bun:"id,pk" json:"id"`
	ParentID  *string   `bun:"parent_id" json:"parentId,omitempty"`
	Name      string    `bun:"name" json:"name"`
	CreatedAt time.Time `bun:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bun:"updated_at" json:"updatedAt"`
}

// Question is a single MCQ. Options keep the raw option strings in their
// original order; exactly one carries the correct-answer marker (see
// CorrectOptionIndex). Position is the claim-time ordering inside the quiz
// and stays stable so level offsets survive incremental updates.
type Question struct {
	bun.BaseModel `bun:"table:questions"`

	ID          string    `bun:"id,pk" json:"id"`
	QuizID      string    `bun:"quiz_id" json:"quizId"`
	DomainID    string    `bun:"domain_id" json:"domainId"`
	Body        string    `bun:"body" json:"body"`
	Explanation string    `bun:"explanation" json:"explanation"`
	Options     []string  `bun:"-" json:"options"`
	OptionsRaw  string    `bun:"options" json:"-"`
	Position    int       `bun:"position" json:"position"`
	CreatedAt   time.Time `bun:"created_at" json:"createdAt"`
}

// Level is one stage of the generated learning path. IndexPosition is a
// dense zero-based sequence per quiz and is the order levels unlock in.
// IsUnlocked and IsCompleted only ever transition false -> true.
type Level struct {
	bun.BaseModel `bun:"table:levels"`

	ID             string `bun:"id,pk" json:"id"`
	QuizID         string `bun:"quiz_id" json:"quizId"`
	IndexPosition  int    `bun:"index_position" json:"indexPosition"`
	Name           string `bun:"name" json:"name"`
	Type           string `bun:"type" json:"type"`
	QuestionOffset int    `bun:"question_offset" json:"questionOffset"`
	QuestionCount  int    `bun:"question_count" json:"questionCount"`
	Prerequisites  []int  `bun:"-" json:"prerequisites"`
	PrereqRaw      string `bun:"prerequisites" json:"-"`
	IsUnlocked     bool   `bun:"is_unlocked" json:"isUnlocked"`
	IsCompleted    bool   `bun:"is_completed" json:"isCompleted"`
}

// LevelName is one entry of the shared display-name pool, keyed by level
// type and used cyclically (modulo pool size) during generation.
type LevelName struct {
	bun.BaseModel `bun:"table:level_names"`

	ID       string `bun:"id,pk" json:"id"`
	Type     string `bun:"type" json:"type"`
	Name     string `bun:"name" json:"name"`
	Position int    `bun:"position" json:"position"`
}

// Session is a live play-through of one level by one user. At most one
// session exists per (user, quiz, level) triple.
type Session struct {
	bun.BaseModel `bun:"table:sessions"`

	ID        string    `bun:"id,pk" json:"id"`
	UserID    string    `bun:"user_id" json:"userId"`
	QuizID    string    `bun:"quiz_id" json:"quizId"`
	LevelID   string    `bun:"level_id" json:"levelId"`
	StartTime time.Time `bun:"start_time" json:"startTime"`
}

// QuestionAttempt records the latest answer for a (session, question)
// pair. Seq is the first-seen order inside the session and never changes
// on re-answer, which is what makes resume/replay deterministic.
type QuestionAttempt struct {
	bun.BaseModel `bun:"table:question_attempts"`

	ID                  string    `bun:"id,pk" json:"id"`
	SessionID           string    `bun:"session_id" json:"sessionId"`
	QuizID              string    `bun:"quiz_id" json:"quizId"`
	QuestionID          string    `bun:"question_id" json:"questionId"`
	SelectedAnswerIndex int       `bun:"selected_answer_index" json:"selectedAnswerIndex"`
	IsCorrect           bool      `bun:"is_correct" json:"isCorrect"`
	IsAttempted         bool      `bun:"is_attempted" json:"isAttempted"`
	IsSkipped           bool      `bun:"is_skipped" json:"isSkipped"`
	IsMarkedForReview   bool      `bun:"is_marked_for_review" json:"isMarkedForReview"`
	ResponseTimeMs      int64     `bun:"response_time_ms" json:"responseTimeMs"`
	Seq                 int64     `bun:"seq" json:"seq"`
	Timestamp           time.Time `bun:"timestamp" json:"timestamp"`
}

// MetaEntry is a small key/value table for engine bookkeeping (schema
// version, last update-check timestamp).
type MetaEntry struct {
	bun.BaseModel `bun:"table:meta"`

	Key   string `bun:"key,pk" json:"key"`
	Value string `bun:"value" json:"value"`
}

// CodeGrant is the remote resolution of a claim code.
type CodeGrant struct {
	QuizID string `json:"quizId"`
	CodeID string `json:"codeId"`
}

// RemoteClaim is one entry of a user's remote claim list.
type RemoteClaim struct {
	UserID string `json:"userId"`
	QuizID string `json:"quizId"`
	CodeID string `json:"codeId"`
}

// Warning is an advisory (non-fatal) failure carried on operation results
// so callers can decide whether to surface, retry, or ignore it instead of
// grepping logs.
type Warning struct {
	Stage string `json:"stage"`
	Err   error  `json:"-"`
}

func (w Warning) String() string {
	if w.Err == nil {
		return w.Stage
	}
	return w.Stage + ": " + w.Err.Error()
}

// Advisory stages used in warnings.
const (
	StageDuplicateCheck  = "duplicate_check"
	StageLevelNameSync   = "level_name_sync"
	StageLevelGeneration = "level_generation"
	StageClaimRecording  = "claim_recording"
	StageUpdateCheck     = "update_check"
	StageSmallPool       = "small_pool"
)

// ClaimOutcome summarizes a claim: what was imported and which best-effort
// steps failed. A non-empty Warnings list with LevelsGenerated == 0 is the
// playable-but-incomplete partial-import state.
type ClaimOutcome struct {
	QuizID            string    `json:"quizId"`
	CodeID            string    `json:"codeId"`
	DomainsImported   int       `json:"domainsImported"`
	QuestionsImported int       `json:"questionsImported"`
	LevelsGenerated   int       `json:"levelsGenerated"`
	Warnings          []Warning `json:"warnings,omitempty"`
}

// QuizUpdate reports the incremental sync result for one quiz.
type QuizUpdate struct {
	QuizID            string `json:"quizId"`
	NewDomainsCount   int    `json:"newDomainsCount"`
	NewQuestionsCount int    `json:"newQuestionsCount"`
	LevelsRepaired    bool   `json:"levelsRepaired"`
}

// UpdateReport aggregates an update-check pass. Per-quiz failures land in
// Warnings; partial success is success.
type UpdateReport struct {
	QuizzesChecked    int          `json:"quizzesChecked"`
	NewDomainsCount   int          `json:"newDomainsCount"`
	NewQuestionsCount int          `json:"newQuestionsCount"`
	Updates           []QuizUpdate `json:"updates,omitempty"`
	Warnings          []Warning    `json:"warnings,omitempty"`
}

// ClaimPayload is the outbox payload for a deferred claim recording.
type ClaimPayload struct {
	Kind   string `json:"kind"`
	UserID string `json:"userId"`
	QuizID string `json:"quizId"`
	CodeID string `json:"codeId"`
}

// ProgressPayload is the outbox payload for a level progress mutation.
type ProgressPayload struct {
	Kind    string `json:"kind"`
	UserID  string `json:"userId"`
	QuizID  string `json:"quizId"`
	LevelID string `json:"levelId"`
}

// Payload kinds understood by remote mutation appliers.
const (
	PayloadKindClaim    = "claim"
	PayloadKindProgress = "level_progress"
)

// ProgressEvent is broadcast to subscribers when session state changes.
type ProgressEvent struct {
	Type      string    `json:"type"`
	QuizID    string    `json:"quizId"`
	LevelID   string    `json:"levelId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	At        time.Time `json:"at"`
}

// Progress event types.
const (
	EventLevelCompleted  = "level_completed"
	EventLevelUnlocked   = "level_unlocked"
	EventAttemptRecorded = "attempt_recorded"
)
