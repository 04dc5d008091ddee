package levelgen

import (
	"errors"
	"reflect"
	"testing"

	"quizpath-engine/internal/domain"
)

func countTypes(specs []Spec) map[string]int {
	counts := map[string]int{}
	for _, spec := range specs {
		counts[spec.Type]++
	}
	return counts
}

func sumQuestions(specs []Spec) int {
	total := 0
	for _, spec := range specs {
		total += spec.QuestionCount
	}
	return total
}

func TestCalculateLevelStructureRejectsTinyPool(t *testing.T) {
	for _, n := range []int{0, 1, 2} {
		_, _, err := CalculateLevelStructure(n)
		if !errors.Is(err, domain.ErrInsufficientQuestions) {
			t.Fatalf("n=%d: expected ErrInsufficientQuestions, got %v", n, err)
		}
	}
	if _, _, err := CalculateLevelStructure(MinQuestions); err != nil {
		t.Fatalf("n=%d: expected success, got %v", MinQuestions, err)
	}
}

func TestCalculateLevelStructureSmallPool(t *testing.T) {
	specs, warnings, err := CalculateLevelStructure(12)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	counts := countTypes(specs)
	if counts[domain.LevelTypeMiniBoss] != 0 || counts[domain.LevelTypeBoss] != 0 {
		t.Fatalf("pool under threshold must not get review levels, got %v", counts)
	}
	if got := sumQuestions(specs); got != 12 {
		t.Fatalf("normal levels must consume the whole pool, got %d", got)
	}
	if len(warnings) != 1 || warnings[0].Stage != domain.StageSmallPool {
		t.Fatalf("expected one small-pool warning, got %v", warnings)
	}
}

func TestCalculateLevelStructureMiniBossCadence(t *testing.T) {
	specs, _, err := CalculateLevelStructure(20)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	counts := countTypes(specs)
	if counts[domain.LevelTypeMiniBoss] == 0 {
		t.Fatal("expected mini-boss levels at 20 questions")
	}
	if counts[domain.LevelTypeBoss] != 0 {
		t.Fatalf("no boss under %d questions, got %v", BossThreshold, counts)
	}

	// A mini-boss appears exactly after every 2nd normal level.
	normals := 0
	for i, spec := range specs {
		if spec.Type == domain.LevelTypeNormal {
			normals++
			continue
		}
		if specs[i-1].Type != domain.LevelTypeNormal || normals%miniBossEvery != 0 {
			t.Fatalf("mini-boss at index %d does not follow an even normal count (%d)", i, normals)
		}
	}
	if got := sumQuestions(specs); got != 20 {
		t.Fatalf("expected pool fully consumed, got %d", got)
	}
}

func TestCalculateLevelStructureBossAtLargePool(t *testing.T) {
	specs, warnings, err := CalculateLevelStructure(120)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	counts := countTypes(specs)
	if counts[domain.LevelTypeBoss] == 0 {
		t.Fatal("expected boss levels at 120 questions")
	}
	if got := sumQuestions(specs); got != 120 {
		t.Fatalf("expected pool fully consumed, got %d", got)
	}
	if len(warnings) != 0 {
		t.Fatalf("no advisory warnings expected at 120 questions, got %v", warnings)
	}
}

func TestCalculateLevelStructureDeterministic(t *testing.T) {
	for _, n := range []int{3, 12, 20, 47, 120, 500} {
		a, _, err := CalculateLevelStructure(n)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		b, _, _ := CalculateLevelStructure(n)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("n=%d: structure not deterministic", n)
		}
	}
}

func TestGenerateLevelsShape(t *testing.T) {
	pool := []domain.LevelName{
		{ID: "n1", Type: domain.LevelTypeNormal, Name: "Base Camp", Position: 0},
		{ID: "n2", Type: domain.LevelTypeNormal, Name: "Ridge Line", Position: 1},
		{ID: "m1", Type: domain.LevelTypeMiniBoss, Name: "Checkpoint", Position: 0},
	}
	levels, _, err := GenerateLevels("quiz-1", 20, pool)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	unlocked := 0
	for i, level := range levels {
		if level.IndexPosition != i {
			t.Fatalf("index positions must be dense, got %d at %d", level.IndexPosition, i)
		}
		if level.IsUnlocked {
			unlocked++
			if i != 0 {
				t.Fatalf("only the first level starts unlocked, level %d is unlocked", i)
			}
		}
		if level.IsCompleted {
			t.Fatalf("level %d generated as completed", i)
		}
	}
	if unlocked != 1 {
		t.Fatalf("expected exactly one unlocked level, got %d", unlocked)
	}

	// Normal names cycle through the two pool entries.
	wantNormals := []string{"Base Camp", "Ridge Line"}
	seen := 0
	for _, level := range levels {
		if level.Type != domain.LevelTypeNormal {
			continue
		}
		if level.Name != wantNormals[seen%2] {
			t.Fatalf("normal level %d named %q, want %q", seen, level.Name, wantNormals[seen%2])
		}
		seen++
	}

	// Offsets tile the question pool in order.
	offset := 0
	for _, level := range levels {
		if level.QuestionOffset != offset {
			t.Fatalf("level %d offset %d, want %d", level.IndexPosition, level.QuestionOffset, offset)
		}
		offset += level.QuestionCount
	}
	if offset != 20 {
		t.Fatalf("offsets consume %d questions, want 20", offset)
	}
}

func TestGenerateLevelsReproducible(t *testing.T) {
	a, _, err := GenerateLevels("quiz-1", 47, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _, _ := GenerateLevels("quiz-1", 47, nil)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("regeneration must reproduce identical rows")
	}

	other, _, _ := GenerateLevels("quiz-2", 47, nil)
	if a[0].ID == other[0].ID {
		t.Fatal("level ids must differ across quizzes")
	}
}

func TestGenerateLevelsPrerequisites(t *testing.T) {
	levels, _, err := GenerateLevels("quiz-1", 120, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if len(levels[0].Prerequisites) != 0 {
		t.Fatalf("first level must have no prerequisites, got %v", levels[0].Prerequisites)
	}

	var bossSeen bool
	lastNormal := -1
	lastMiniBoss := -1
	for _, level := range levels {
		switch level.Type {
		case domain.LevelTypeNormal:
			if lastNormal >= 0 {
				if len(level.Prerequisites) == 0 || level.Prerequisites[0] != lastNormal {
					t.Fatalf("normal level %d should require normal %d, got %v", level.IndexPosition, lastNormal, level.Prerequisites)
				}
			}
			lastNormal = level.IndexPosition
		case domain.LevelTypeBoss:
			bossSeen = true
			want := []int{lastNormal}
			if lastMiniBoss >= 0 {
				want = append(want, lastMiniBoss)
			}
			if !reflect.DeepEqual(level.Prerequisites, want) {
				t.Fatalf("boss level %d prerequisites %v, want %v", level.IndexPosition, level.Prerequisites, want)
			}
		case domain.LevelTypeMiniBoss:
			lastMiniBoss = level.IndexPosition
		}
	}
	if !bossSeen {
		t.Fatal("expected at least one boss at 120 questions")
	}
}

func TestGenerateLevelsFallbackNames(t *testing.T) {
	levels, _, err := GenerateLevels("quiz-1", 20, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if levels[0].Name != "Level 1" {
		t.Fatalf("expected numbered fallback name, got %q", levels[0].Name)
	}
}

func TestReviewLimit(t *testing.T) {
	if got := ReviewLimit(domain.LevelTypeMiniBoss); got != MiniBossReviewLimit {
		t.Fatalf("mini-boss limit %d", got)
	}
	if got := ReviewLimit(domain.LevelTypeBoss); got != BossReviewLimit {
		t.Fatalf("boss limit %d", got)
	}
	if got := ReviewLimit(domain.LevelTypeNormal); got != 0 {
		t.Fatalf("normal levels have no review limit, got %d", got)
	}
}
