// Package levelgen turns a question count into a sequenced learning path.
// Both entry points are pure: the same inputs always produce the same
// levels, which is what session resume and level regeneration rely on.
package levelgen

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"quizpath-engine/internal/domain"
)

// Tuned path-shape constants. These mirror the production content team's
// settings; they are configuration, not derived values, so keep them named
// instead of re-deriving.
const (
	// MinQuestions is the smallest pool that can form one basic level.
	MinQuestions = 3
	// levelRatio is the share of the remaining pool each normal level takes.
	levelRatio = 0.15
	// miniBossEvery inserts a review mini-boss after every Nth normal level.
	miniBossEvery = 2
	// bossEvery upgrades/inserts a boss at every Nth normal level.
	bossEvery = 8
	// MiniBossThreshold is the minimum pool size for mini-boss levels.
	MiniBossThreshold = 15
	// BossThreshold is the minimum pool size for boss levels.
	BossThreshold = 100

	// Advisory cliffs: pools below these still generate, with a warning.
	warnVerySmallPool = 5
	warnNoMiniBoss    = 15
	warnNoBoss        = 25

	// Review levels do not consume fresh questions; they replay up to this
	// many previously-seen ones.
	MiniBossReviewLimit = 5
	BossReviewLimit     = 10
)

// Spec describes one level of the calculated structure. QuestionCount is
// zero for review levels (mini-boss/boss), which draw from seen questions
// at play time.
type Spec struct {
	Type          string
	QuestionCount int
}

// CalculateLevelStructure derives the level-type sequence for a question
// pool. Deterministic; fails only for pools under MinQuestions. Advisory
// pool-size warnings are returned alongside, never as errors.
func CalculateLevelStructure(questionCount int) ([]Spec, []domain.Warning, error) {
	if questionCount < MinQuestions {
		return nil, nil, fmt.Errorf("%w: have %d, need %d", domain.ErrInsufficientQuestions, questionCount, MinQuestions)
	}

	var warnings []domain.Warning
	switch {
	case questionCount < warnVerySmallPool:
		warnings = append(warnings, domain.Warning{Stage: domain.StageSmallPool, Err: fmt.Errorf("only %d questions, path will be very short", questionCount)})
	case questionCount < warnNoMiniBoss:
		warnings = append(warnings, domain.Warning{Stage: domain.StageSmallPool, Err: fmt.Errorf("%d questions is below the mini-boss threshold", questionCount)})
	case questionCount < warnNoBoss:
		warnings = append(warnings, domain.Warning{Stage: domain.StageSmallPool, Err: fmt.Errorf("%d questions is below the boss threshold", questionCount)})
	}

	var specs []Spec
	remaining := questionCount
	normalCount := 0
	bossPlaced := false

	for remaining > 0 {
		size := int(math.Ceil(float64(remaining) * levelRatio))
		if size > remaining {
			size = remaining
		}
		specs = append(specs, Spec{Type: domain.LevelTypeNormal, QuestionCount: size})
		remaining -= size
		normalCount++

		if questionCount >= MiniBossThreshold && normalCount%miniBossEvery == 0 {
			specs = append(specs, Spec{Type: domain.LevelTypeMiniBoss})
		}
		if questionCount >= BossThreshold && normalCount%bossEvery == 0 {
			if last := len(specs) - 1; specs[last].Type == domain.LevelTypeMiniBoss {
				specs[last].Type = domain.LevelTypeBoss
			} else {
				specs = append(specs, Spec{Type: domain.LevelTypeBoss})
			}
			bossPlaced = true
		}
	}

	// A qualifying pool always ends with a boss: upgrade the final
	// mini-boss, or append one when the path never produced a mini-boss.
	if questionCount >= BossThreshold && !bossPlaced {
		upgraded := false
		for i := len(specs) - 1; i >= 0; i-- {
			if specs[i].Type == domain.LevelTypeMiniBoss {
				specs[i].Type = domain.LevelTypeBoss
				upgraded = true
				break
			}
		}
		if !upgraded {
			specs = append(specs, Spec{Type: domain.LevelTypeBoss})
		}
	}

	return specs, warnings, nil
}

// GenerateLevels maps the calculated structure onto persistable level rows
// for a quiz: dense zero-based index positions, cyclic display names from
// the pool, prerequisite indexes, and only index 0 unlocked. Level ids are
// derived from (quiz, index) so regenerating reproduces identical rows.
func GenerateLevels(quizID string, questionCount int, pool []domain.LevelName) ([]domain.Level, []domain.Warning, error) {
	specs, warnings, err := CalculateLevelStructure(questionCount)
	if err != nil {
		return nil, warnings, err
	}

	names := poolByType(pool)
	used := map[string]int{}
	levels := make([]domain.Level, 0, len(specs))

	offset := 0
	prevNormal := -1
	prevMiniBoss := -1

	for i, spec := range specs {
		level := domain.Level{
			ID:            levelID(quizID, i),
			QuizID:        quizID,
			IndexPosition: i,
			Type:          spec.Type,
			Name:          nextName(names, used, spec.Type),
			IsUnlocked:    i == 0,
		}

		var prereqs []int
		if prevNormal >= 0 {
			prereqs = append(prereqs, prevNormal)
		}
		if spec.Type == domain.LevelTypeBoss && prevMiniBoss >= 0 {
			prereqs = append(prereqs, prevMiniBoss)
		}
		level.Prerequisites = prereqs
		level.PrereqRaw = domain.EncodeIndexList(prereqs)

		switch spec.Type {
		case domain.LevelTypeNormal:
			level.QuestionOffset = offset
			level.QuestionCount = spec.QuestionCount
			offset += spec.QuestionCount
			prevNormal = i
		default:
			// Review levels replay questions below the current offset.
			level.QuestionOffset = offset
			level.QuestionCount = 0
			if spec.Type == domain.LevelTypeMiniBoss {
				prevMiniBoss = i
			}
		}

		levels = append(levels, level)
	}

	return levels, warnings, nil
}

// ReviewLimit returns how many previously-seen questions a review level
// replays. Zero for normal levels.
func ReviewLimit(levelType string) int {
	switch levelType {
	case domain.LevelTypeMiniBoss:
		return MiniBossReviewLimit
	case domain.LevelTypeBoss:
		return BossReviewLimit
	default:
		return 0
	}
}

func levelID(quizID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("quizpath:level:%s:%d", quizID, index))).String()
}

func poolByType(pool []domain.LevelName) map[string][]string {
	sorted := make([]domain.LevelName, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	byType := map[string][]string{}
	for _, n := range sorted {
		byType[n.Type] = append(byType[n.Type], n.Name)
	}
	return byType
}

// nextName hands out pool names cyclically per type so names repeat
// gracefully once the pool is exhausted. Falls back to a numbered default
// when the pool has no entries for the type (e.g. name sync failed).
func nextName(names map[string][]string, used map[string]int, levelType string) string {
	ordinal := used[levelType]
	used[levelType]++

	typeNames := names[levelType]
	if len(typeNames) == 0 {
		switch levelType {
		case domain.LevelTypeMiniBoss:
			return fmt.Sprintf("Checkpoint %d", ordinal+1)
		case domain.LevelTypeBoss:
			return fmt.Sprintf("Boss %d", ordinal+1)
		default:
			return fmt.Sprintf("Level %d", ordinal+1)
		}
	}
	return typeNames[ordinal%len(typeNames)]
}
