package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"quizpath-engine/internal/domain"
	"quizpath-engine/internal/levelgen"
)

// MetaLastUpdateCheck is the meta key stamped after each update-check pass.
const MetaLastUpdateCheck = "last_update_check"

// ClaimService implements the quiz claim pipeline and the incremental
// update checker. Fatal failures (invalid code, unreachable backend before
// content is committed) surface as errors with no partial local state;
// failures in the best-effort tail (name sync, level generation, claim
// recording) come back as typed warnings on the outcome.
type ClaimService struct {
	store  Store
	remote RemoteSource
	outbox *OutboxService
	log    *zap.Logger
}

func NewClaimService(store Store, remote RemoteSource, outbox *OutboxService, log *zap.Logger) *ClaimService {
	return &ClaimService{store: store, remote: remote, outbox: outbox, log: log}
}

// ClaimQuiz redeems a code: validates it locally and remotely, downloads
// the quiz content, persists it parent-before-child, and finishes with the
// best-effort level generation and claim recording steps.
func (s *ClaimService) ClaimQuiz(ctx context.Context, userID, code string) (domain.ClaimOutcome, error) {
	// Local duplicate check comes first so repeat claims never hit the
	// network at all.
	existing, err := s.store.GetCode(ctx, code)
	switch {
	case err == nil && !existing.Tombstone:
		return domain.ClaimOutcome{QuizID: existing.QuizID}, domain.ErrAlreadyClaimedLocally
	case err != nil && !errors.Is(err, domain.ErrCodeNotFound):
		return domain.ClaimOutcome{}, fmt.Errorf("check local code: %w", err)
	}

	grant, err := s.remote.ResolveCode(ctx, code)
	if err != nil {
		return domain.ClaimOutcome{}, fmt.Errorf("resolve code: %w", err)
	}

	outcome := domain.ClaimOutcome{QuizID: grant.QuizID, CodeID: grant.CodeID}

	// Duplicate-prevention optimization, not a correctness requirement:
	// a failed check is advisory and the claim proceeds.
	claimed, err := s.remote.HasUserClaim(ctx, userID, grant.CodeID)
	if err != nil {
		s.log.Warn("remote duplicate check failed, continuing", zap.String("code", code), zap.Error(err))
		outcome.Warnings = append(outcome.Warnings, domain.Warning{Stage: domain.StageDuplicateCheck, Err: err})
	} else if claimed {
		return outcome, domain.ErrAlreadyClaimedByUser
	}

	if _, err := s.store.GetQuiz(ctx, grant.QuizID); err == nil {
		return outcome, domain.ErrAlreadyInLibrary
	} else if !errors.Is(err, domain.ErrQuizNotFound) {
		return outcome, fmt.Errorf("check local library: %w", err)
	}

	imported, err := s.importQuiz(ctx, grant.QuizID)
	if err != nil {
		return outcome, err
	}
	outcome.DomainsImported = imported.DomainsImported
	outcome.QuestionsImported = imported.QuestionsImported
	outcome.LevelsGenerated = imported.LevelsGenerated
	outcome.Warnings = append(outcome.Warnings, imported.Warnings...)

	if err := s.store.PutCode(ctx, domain.Code{
		Code:      code,
		QuizID:    grant.QuizID,
		Verified:  true,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		// Content is committed; a missing code row only means the next
		// claim of this code re-runs the remote duplicate check.
		s.log.Warn("persist verified code failed", zap.String("code", code), zap.Error(err))
		outcome.Warnings = append(outcome.Warnings, domain.Warning{Stage: domain.StageClaimRecording, Err: err})
	}

	if err := s.remote.RecordClaim(ctx, userID, grant.QuizID, grant.CodeID); err != nil {
		s.log.Warn("remote claim recording failed, queueing for outbox", zap.String("quiz", grant.QuizID), zap.Error(err))
		outcome.Warnings = append(outcome.Warnings, domain.Warning{Stage: domain.StageClaimRecording, Err: err})
		payload, _ := json.Marshal(domain.ClaimPayload{
			Kind:   domain.PayloadKindClaim,
			UserID: userID,
			QuizID: grant.QuizID,
			CodeID: grant.CodeID,
		})
		if _, qerr := s.outbox.Enqueue(ctx, domain.OpInsert, payload); qerr != nil {
			s.log.Error("enqueue claim recording failed", zap.Error(qerr))
		}
	}

	return outcome, nil
}

// CheckAndDownloadClaimedQuizzes pulls the user's remote claim list and
// imports every quiz not yet present locally. Per-quiz failures are
// collected as warnings; the rest of the list is still processed.
func (s *ClaimService) CheckAndDownloadClaimedQuizzes(ctx context.Context, userID string) (domain.UpdateReport, error) {
	claims, err := s.remote.ClaimedQuizzes(ctx, userID)
	if err != nil {
		return domain.UpdateReport{}, fmt.Errorf("list remote claims: %w", err)
	}

	report := domain.UpdateReport{}
	for _, claim := range claims {
		report.QuizzesChecked++
		if _, err := s.store.GetQuiz(ctx, claim.QuizID); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrQuizNotFound) {
			report.Warnings = append(report.Warnings, domain.Warning{Stage: domain.StageUpdateCheck, Err: err})
			continue
		}

		imported, err := s.importQuiz(ctx, claim.QuizID)
		if err != nil {
			s.log.Warn("claimed quiz download failed", zap.String("quiz", claim.QuizID), zap.Error(err))
			report.Warnings = append(report.Warnings, domain.Warning{Stage: domain.StageUpdateCheck, Err: err})
			continue
		}
		report.NewDomainsCount += imported.DomainsImported
		report.NewQuestionsCount += imported.QuestionsImported
		report.Updates = append(report.Updates, domain.QuizUpdate{
			QuizID:            claim.QuizID,
			NewDomainsCount:   imported.DomainsImported,
			NewQuestionsCount: imported.QuestionsImported,
		})
		report.Warnings = append(report.Warnings, imported.Warnings...)
	}
	return report, nil
}

// CheckForUpdates diff-syncs every claimed quiz against the remote source,
// importing only net-new domains and questions. Existing rows are never
// overwritten or deleted. A failing quiz is logged and skipped.
func (s *ClaimService) CheckForUpdates(ctx context.Context) (domain.UpdateReport, error) {
	quizzes, err := s.store.ListQuizzes(ctx)
	if err != nil {
		return domain.UpdateReport{}, fmt.Errorf("list local quizzes: %w", err)
	}

	report := domain.UpdateReport{}
	for _, quiz := range quizzes {
		report.QuizzesChecked++
		update, err := s.checkQuizUpdates(ctx, quiz)
		if err != nil {
			s.log.Warn("update check failed for quiz", zap.String("quiz", quiz.ID), zap.Error(err))
			report.Warnings = append(report.Warnings, domain.Warning{Stage: domain.StageUpdateCheck, Err: err})
			continue
		}
		report.NewDomainsCount += update.NewDomainsCount
		report.NewQuestionsCount += update.NewQuestionsCount
		if update.NewDomainsCount > 0 || update.NewQuestionsCount > 0 || update.LevelsRepaired {
			report.Updates = append(report.Updates, update)
		}
	}

	if err := s.store.SetMeta(ctx, MetaLastUpdateCheck, time.Now().UTC().Format(time.RFC3339)); err != nil {
		s.log.Warn("record update-check timestamp failed", zap.Error(err))
	}
	return report, nil
}

// RegenerateLevels is the repair pass for the PartialImport state: a quiz
// whose questions are persisted but whose levels were never generated.
// Re-running it on a fully generated quiz is a no-op.
func (s *ClaimService) RegenerateLevels(ctx context.Context, quizID string) (int, error) {
	levels, err := s.store.LevelsByQuiz(ctx, quizID)
	if err != nil {
		return 0, fmt.Errorf("list levels: %w", err)
	}
	if len(levels) > 0 {
		return len(levels), nil
	}

	questions, err := s.store.QuestionsByQuiz(ctx, quizID)
	if err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	pool, err := s.store.ListLevelNames(ctx)
	if err != nil {
		return 0, fmt.Errorf("load name pool: %w", err)
	}

	generated, warnings, err := levelgen.GenerateLevels(quizID, len(questions), pool)
	if err != nil {
		return 0, err
	}
	for _, w := range warnings {
		s.log.Warn("level generation advisory", zap.String("quiz", quizID), zap.String("stage", w.Stage), zap.Error(w.Err))
	}
	if err := s.store.PutLevels(ctx, generated); err != nil {
		return 0, fmt.Errorf("persist levels: %w", err)
	}
	return len(generated), nil
}

type importResult struct {
	DomainsImported   int
	QuestionsImported int
	LevelsGenerated   int
	Warnings          []domain.Warning
}

// importQuiz runs steps 5-7 of the claim pipeline for one quiz: fetch,
// persist parent-before-child, then the best-effort level tail. Any error
// before domain persistence leaves no partial state.
func (s *ClaimService) importQuiz(ctx context.Context, quizID string) (importResult, error) {
	result := importResult{}

	quiz, err := s.remote.FetchQuiz(ctx, quizID)
	if err != nil {
		return result, fmt.Errorf("fetch quiz: %w", err)
	}
	domains, err := s.remote.FetchDomains(ctx, quiz.Domains)
	if err != nil {
		return result, fmt.Errorf("fetch domains: %w", err)
	}
	questions, err := s.remote.FetchQuestions(ctx, quiz.Domains)
	if err != nil {
		return result, fmt.Errorf("fetch questions: %w", err)
	}

	// Parents before children so a tree view never sees orphans.
	if err := s.store.PutDomains(ctx, domains); err != nil {
		return result, fmt.Errorf("persist domains: %w", err)
	}
	quiz.DomainsRaw = domain.EncodeIDList(quiz.Domains)
	if err := s.store.PutQuiz(ctx, quiz); err != nil {
		return result, fmt.Errorf("persist quiz: %w", err)
	}

	sort.SliceStable(questions, func(i, j int) bool { return questions[i].Position < questions[j].Position })
	for i := range questions {
		questions[i].QuizID = quizID
		questions[i].Position = i
		questions[i].OptionsRaw = domain.EncodeOptions(questions[i].Options)
	}
	if err := s.store.PutQuestions(ctx, questions); err != nil {
		return result, fmt.Errorf("persist questions: %w", err)
	}
	result.DomainsImported = len(domains)
	result.QuestionsImported = len(questions)

	// Best-effort tail: a quiz with questions but no levels yet is a
	// valid, recoverable state (RegenerateLevels / CheckForUpdates heal it).
	if err := s.syncLevelNames(ctx); err != nil {
		s.log.Warn("level-name pool sync failed", zap.Error(err))
		result.Warnings = append(result.Warnings, domain.Warning{Stage: domain.StageLevelNameSync, Err: err})
	}

	generated, err := s.RegenerateLevels(ctx, quizID)
	if err != nil {
		s.log.Warn("level generation failed, quiz left as partial import", zap.String("quiz", quizID), zap.Error(err))
		result.Warnings = append(result.Warnings, domain.Warning{Stage: domain.StageLevelGeneration, Err: err})
	} else {
		result.LevelsGenerated = generated
	}

	return result, nil
}

func (s *ClaimService) syncLevelNames(ctx context.Context) error {
	names, err := s.remote.FetchLevelNames(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	return s.store.PutLevelNames(ctx, names)
}

// checkQuizUpdates performs the per-quiz diff: net-new domains first, then
// net-new questions appended after the current max position so existing
// level offsets stay valid, then a level repair when generation is missing.
func (s *ClaimService) checkQuizUpdates(ctx context.Context, quiz domain.Quiz) (domain.QuizUpdate, error) {
	update := domain.QuizUpdate{QuizID: quiz.ID}

	remoteQuiz, err := s.remote.FetchQuiz(ctx, quiz.ID)
	if err != nil {
		return update, fmt.Errorf("fetch quiz: %w", err)
	}

	localDomains, err := s.store.ListDomains(ctx, remoteQuiz.Domains)
	if err != nil {
		return update, fmt.Errorf("list local domains: %w", err)
	}
	have := make(map[string]bool, len(localDomains))
	for _, d := range localDomains {
		have[d.ID] = true
	}
	var missing []string
	for _, id := range remoteQuiz.Domains {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		fetched, err := s.remote.FetchDomains(ctx, missing)
		if err != nil {
			return update, fmt.Errorf("fetch new domains: %w", err)
		}
		if err := s.store.PutDomains(ctx, fetched); err != nil {
			return update, fmt.Errorf("persist new domains: %w", err)
		}
		update.NewDomainsCount = len(fetched)

		merged := mergeIDs(quiz.Domains, remoteQuiz.Domains)
		quiz.Domains = merged
		quiz.DomainsRaw = domain.EncodeIDList(merged)
		quiz.UpdatedAt = time.Now().UTC()
		if err := s.store.PutQuiz(ctx, quiz); err != nil {
			return update, fmt.Errorf("update quiz domains: %w", err)
		}
	}

	remoteQuestions, err := s.remote.FetchQuestions(ctx, remoteQuiz.Domains)
	if err != nil {
		return update, fmt.Errorf("fetch questions: %w", err)
	}
	localQuestions, err := s.store.QuestionsByQuiz(ctx, quiz.ID)
	if err != nil {
		return update, fmt.Errorf("list local questions: %w", err)
	}
	known := make(map[string]bool, len(localQuestions))
	for _, q := range localQuestions {
		known[q.ID] = true
	}

	var fresh []domain.Question
	for _, q := range remoteQuestions {
		if !known[q.ID] {
			fresh = append(fresh, q)
		}
	}
	if len(fresh) > 0 {
		maxPos, err := s.store.MaxQuestionPosition(ctx, quiz.ID)
		if err != nil {
			return update, fmt.Errorf("max question position: %w", err)
		}
		sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].Position < fresh[j].Position })
		for i := range fresh {
			fresh[i].QuizID = quiz.ID
			fresh[i].Position = maxPos + 1 + i
			fresh[i].OptionsRaw = domain.EncodeOptions(fresh[i].Options)
		}
		if err := s.store.PutQuestions(ctx, fresh); err != nil {
			return update, fmt.Errorf("persist new questions: %w", err)
		}
		update.NewQuestionsCount = len(fresh)
	}

	levels, err := s.store.LevelsByQuiz(ctx, quiz.ID)
	if err != nil {
		return update, fmt.Errorf("list levels: %w", err)
	}
	if len(levels) == 0 && len(localQuestions)+len(fresh) >= levelgen.MinQuestions {
		if _, err := s.RegenerateLevels(ctx, quiz.ID); err != nil {
			s.log.Warn("level repair failed", zap.String("quiz", quiz.ID), zap.Error(err))
		} else {
			update.LevelsRepaired = true
		}
	}

	return update, nil
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, id := range append(append([]string{}, a...), b...) {
		if !seen[id] {
			seen[id] = true
			merged = append(merged, id)
		}
	}
	return merged
}
