package domain

import "errors"

var (
	// ErrInvalidCode is returned when the remote source does not recognize a claim code.
	ErrInvalidCode = errors.New("claim code not recognized")
	// ErrAlreadyClaimedLocally is returned when the code is already in the local codes table.
	ErrAlreadyClaimedLocally = errors.New("code already claimed on this device")
	// ErrAlreadyClaimedByUser is returned when the same user already redeemed the code remotely.
	ErrAlreadyClaimedByUser = errors.New("code already claimed by this user")
	// ErrAlreadyInLibrary is returned when the target quiz already exists locally.
	ErrAlreadyInLibrary = errors.New("quiz already in local library")
	// ErrInsufficientQuestions is returned by level generation for pools under the minimum.
	ErrInsufficientQuestions = errors.New("not enough questions to build a level path")
	// ErrRemoteUnavailable wraps network or backend failures during remote calls.
	ErrRemoteUnavailable = errors.New("remote backend unavailable")
	// ErrQuizNotFound indicates the quiz is neither local nor known remotely.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrCodeNotFound indicates the code has no local row.
	ErrCodeNotFound = errors.New("code not found")
	// ErrLevelNotFound indicates an unknown level id.
	ErrLevelNotFound = errors.New("level not found")
	// ErrSessionNotFound indicates an unknown session id or triple.
	ErrSessionNotFound = errors.New("session not found")
	// ErrQuestionNotFound indicates an unknown question id.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrSessionExists signals a unique-constraint conflict on the
	// (user, quiz, level) triple; callers re-check for the winning row.
	ErrSessionExists = errors.New("session already exists for triple")
	// ErrOutboxEntryNotFound indicates an unknown outbox id.
	ErrOutboxEntryNotFound = errors.New("outbox entry not found")
	// ErrDrainInProgress is returned when an outbox drain is already running.
	ErrDrainInProgress = errors.New("outbox drain already in progress")
)
