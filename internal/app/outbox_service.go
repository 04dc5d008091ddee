package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quizpath-engine/internal/domain"
)

// DrainReport summarizes one outbox drain cycle.
type DrainReport struct {
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// OutboxService is the durable queue of local mutations awaiting remote
// propagation. Entries are never silently dropped: replay success deletes
// the row, failure increments its retry counter and leaves it for the next
// cycle. Enforcing a maximum retry count is the caller's decision.
type OutboxService struct {
	store  Store
	remote RemoteSource
	log    *zap.Logger

	draining atomic.Bool
}

func NewOutboxService(store Store, remote RemoteSource, log *zap.Logger) *OutboxService {
	return &OutboxService{store: store, remote: remote, log: log}
}

// Enqueue appends a pending mutation and returns its id.
func (s *OutboxService) Enqueue(ctx context.Context, operation string, payload json.RawMessage) (string, error) {
	entry := domain.OutboxEntry{
		ID:        uuid.NewString(),
		Operation: operation,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendOutbox(ctx, entry); err != nil {
		return "", fmt.Errorf("append outbox: %w", err)
	}
	return entry.ID, nil
}

// Pending returns the queue depth.
func (s *OutboxService) Pending(ctx context.Context) (int, error) {
	entries, err := s.store.ListOutbox(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Drain replays pending entries in creation order. Single-flight: a second
// concurrent drain returns ErrDrainInProgress instead of double-replaying.
// Each entry gets one attempt per cycle; a failing entry is skipped so it
// cannot block later independent entries, and stays queued for next time.
func (s *OutboxService) Drain(ctx context.Context) (DrainReport, error) {
	if !s.draining.CompareAndSwap(false, true) {
		return DrainReport{}, domain.ErrDrainInProgress
	}
	defer s.draining.Store(false)

	entries, err := s.store.ListOutbox(ctx)
	if err != nil {
		return DrainReport{}, fmt.Errorf("list outbox: %w", err)
	}

	report := DrainReport{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			report.Remaining = len(entries) - report.Replayed
			return report, err
		}

		if err := s.remote.Push(ctx, entry.Operation, entry.Payload); err != nil {
			s.log.Warn("outbox replay failed",
				zap.String("entry", entry.ID),
				zap.String("operation", entry.Operation),
				zap.Int("retries", entry.Retries+1),
				zap.Error(err))
			if ierr := s.store.IncrementOutboxRetry(ctx, entry.ID); ierr != nil {
				s.log.Error("increment outbox retry failed", zap.String("entry", entry.ID), zap.Error(ierr))
			}
			report.Failed++
			continue
		}

		if err := s.store.DeleteOutbox(ctx, entry.ID); err != nil {
			// The remote applied the mutation; the row will be replayed
			// next cycle and the remote upserts idempotently.
			s.log.Error("delete acknowledged outbox entry failed", zap.String("entry", entry.ID), zap.Error(err))
			report.Failed++
			continue
		}
		report.Replayed++
	}

	report.Remaining = len(entries) - report.Replayed
	return report, nil
}
