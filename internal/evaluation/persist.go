package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couture-edu/couture/internal/metrics"
	"github.com/couture-edu/couture/internal/model"
	"github.com/couture-edu/couture/internal/store"
)

type step struct {
	name string
	run  func(ctx context.Context) (applied bool, err error)
}

// record is the attempt a response and its persistence steps are built
// from. Once the attempt id is found recorded, the stored attempt replaces
// the freshly graded one.
type record struct {
	attempt  model.Attempt
	missed   []model.MissedTopic
	replayed bool
}

func (r *record) adopt(a model.Attempt, missedOf func(model.Attempt) []model.MissedTopic) {
	if a.Feedback == nil {
		a.Feedback = &model.Feedback{OverallScore: a.Score}
	}
	r.attempt = a
	r.missed = missedOf(a)
	r.replayed = true
}

func (r *record) result(failed []string) *Result {
	return &Result{
		AttemptID:    r.attempt.ID,
		Feedback:     *r.attempt.Feedback,
		Score:        r.attempt.Score,
		PointsEarned: r.attempt.PointsEarned,
		Partial:      len(failed) > 0,
		FailedSteps:  failed,
	}
}

// replay returns the record of an attempt id that was already recorded, or
// nil when id is empty or unknown. An id owned by another learner or lesson
// is rejected before anything is graded.
func (s *Service) replay(ctx context.Context, id, userID, lessonID string, missedOf func(model.Attempt) []model.MissedTopic) (*record, error) {
	if id == "" {
		return nil, nil
	}
	a, err := s.store.GetAttempt(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load attempt %s: %w", id, err)
	}
	if a.UserID != userID || a.LessonID != lessonID {
		return nil, s.reject("attempt_conflict", fmt.Errorf("%w: %s", ErrAttemptConflict, id))
	}
	slog.Info("replaying recorded attempt", "attempt_id", id, "user_id", userID)
	rec := &record{}
	rec.adopt(a, missedOf)
	return rec, nil
}

// attemptStep records rec.attempt. When a concurrent request recorded the
// same id first, its attempt is adopted so the later steps and the response
// agree with what was saved.
func (s *Service) attemptStep(rec *record, lessonID string, missedOf func(model.Attempt) []model.MissedTopic) step {
	return step{store.StepAttempt, func(ctx context.Context) (bool, error) {
		applied, err := s.store.RecordAttempt(ctx, rec.attempt)
		if errors.Is(err, store.ErrConflict) {
			return false, s.reject("attempt_conflict", fmt.Errorf("%w: %s", ErrAttemptConflict, rec.attempt.ID))
		}
		if err != nil || applied || rec.replayed {
			return applied, err
		}
		stored, err := s.replay(ctx, rec.attempt.ID, rec.attempt.UserID, lessonID, missedOf)
		if err != nil {
			return false, err
		}
		if stored != nil {
			*rec = *stored
		}
		return false, nil
	}}
}

// persist applies steps in order while holding the learner's lock. A
// failing step is logged and skipped; the names of failed steps are
// returned. An attempt id conflict stops the remaining steps and is returned
// as an error. Steps run detached from the caller's cancellation so a client
// disconnect after grading does not leave the attempt half recorded.
func (s *Service) persist(ctx context.Context, attemptID, userID string, steps []step) ([]string, error) {
	ctx = context.WithoutCancel(ctx)

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	unlock, err := s.locker.Lock(lockCtx, userID)
	cancel()
	if err != nil {
		slog.Error("acquire user lock", "user_id", userID, "attempt_id", attemptID, "error", err)
		failed := make([]string, len(steps))
		for i, st := range steps {
			failed[i] = st.name
			metrics.PersistenceFailures.WithLabelValues(st.name).Inc()
		}
		return failed, nil
	}
	defer unlock()

	var failed []string
	for _, st := range steps {
		applied, err := st.run(ctx)
		if errors.Is(err, ErrAttemptConflict) {
			slog.Warn("attempt id conflict", "attempt_id", attemptID, "user_id", userID)
			return nil, err
		}
		if err != nil {
			slog.Error("persist attempt step", "step", st.name, "attempt_id", attemptID, "user_id", userID, "error", err)
			metrics.PersistenceFailures.WithLabelValues(st.name).Inc()
			failed = append(failed, st.name)
			continue
		}
		if !applied {
			slog.Info("attempt step already recorded", "step", st.name, "attempt_id", attemptID)
		}
	}
	return failed, nil
}
