// Package redis caches slow remote-source reads in Redis so repeated
// claims and update checks do not hammer the hosted backend.
package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"quizpath-engine/internal/app"
	"quizpath-engine/internal/domain"
)

// SourceCache decorates an app.RemoteSource with read-through caching for
// the stable content reads (quiz metadata and the level-name pool).
// Mutations and per-user reads pass straight through. Entries expire by
// TTL with jitter so a popular quiz does not refill in a stampede.
type SourceCache struct {
	client *redis.Client
	next   app.RemoteSource
	ttl    time.Duration
	sf     singleflight.Group
}

func NewSourceCache(client *redis.Client, next app.RemoteSource, ttl time.Duration) *SourceCache {
	return &SourceCache{
		client: client,
		next:   next,
		ttl:    ttl,
	}
}

func (c *SourceCache) FetchQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	key := c.quizKey(quizID)

	var quiz domain.Quiz
	if ok := c.getJSON(ctx, key, &quiz); ok {
		return quiz, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		var quiz domain.Quiz
		if ok := c.getJSON(ctx, key, &quiz); ok {
			return quiz, nil
		}

		quiz, err := c.next.FetchQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}
		c.setJSON(ctx, key, quiz)
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

func (c *SourceCache) FetchLevelNames(ctx context.Context) ([]domain.LevelName, error) {
	key := "source:level_names"

	var names []domain.LevelName
	if ok := c.getJSON(ctx, key, &names); ok {
		return names, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		var names []domain.LevelName
		if ok := c.getJSON(ctx, key, &names); ok {
			return names, nil
		}

		names, err := c.next.FetchLevelNames(ctx)
		if err != nil {
			return nil, err
		}
		c.setJSON(ctx, key, names)
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.LevelName), nil
}

// Pass-throughs. Code resolution and claim state are per-user and must
// stay fresh; question payloads are fetched once per claim and are not
// worth the cache memory.

func (c *SourceCache) ResolveCode(ctx context.Context, code string) (domain.CodeGrant, error) {
	return c.next.ResolveCode(ctx, code)
}

func (c *SourceCache) HasUserClaim(ctx context.Context, userID, codeID string) (bool, error) {
	return c.next.HasUserClaim(ctx, userID, codeID)
}

func (c *SourceCache) FetchDomains(ctx context.Context, ids []string) ([]domain.Domain, error) {
	return c.next.FetchDomains(ctx, ids)
}

func (c *SourceCache) FetchQuestions(ctx context.Context, domainIDs []string) ([]domain.Question, error) {
	return c.next.FetchQuestions(ctx, domainIDs)
}

func (c *SourceCache) RecordClaim(ctx context.Context, userID, quizID, codeID string) error {
	return c.next.RecordClaim(ctx, userID, quizID, codeID)
}

func (c *SourceCache) ClaimedQuizzes(ctx context.Context, userID string) ([]domain.RemoteClaim, error) {
	return c.next.ClaimedQuizzes(ctx, userID)
}

func (c *SourceCache) Push(ctx context.Context, operation string, payload []byte) error {
	return c.next.Push(ctx, operation, payload)
}

// Invalidate drops the cached copy of one quiz, used after an update
// check imports net-new content for it.
func (c *SourceCache) Invalidate(ctx context.Context, quizID string) {
	_ = c.client.Del(ctx, c.quizKey(quizID)).Err()
}

func (c *SourceCache) quizKey(quizID string) string {
	return "source:quiz:" + quizID
}

func (c *SourceCache) getJSON(ctx context.Context, key string, out interface{}) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil || len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func (c *SourceCache) setJSON(ctx context.Context, key string, value interface{}) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	// Cache fills are best effort; a Redis outage must not fail the read.
	_ = c.client.Set(ctx, key, raw, c.ttlWithJitter()).Err()
}

// ttlWithJitter uses the package-level rand functions: cache fills for
// different keys run concurrently under the singleflight groups, and a
// shared rand.Rand is not safe for that.
func (c *SourceCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(rand.Int63n(jitterMax+1))
}
