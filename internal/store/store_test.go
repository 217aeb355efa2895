package store

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/couture-edu/couture/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testLesson() model.Lesson {
	return model.Lesson{
		ID:            "lesson-1",
		Title:         "O New Look",
		KnowledgeBase: "Dior, 1947.",
		PointsReward:  100,
		Topics:        []string{"Alta-costura"},
		Questions: []model.Question{
			{ID: "q1", Order: 1, Type: model.QuestionSingleChoice, Prompt: "Quem?", Options: []model.Option{
				{ID: "a", Text: "Chanel"}, {ID: "b", Text: "Dior", IsCorrect: true},
			}},
			{ID: "q2", Order: 2, Type: model.QuestionFreeText, Prompt: "Descreva."},
		},
	}
}

func TestLessonCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetLesson(ctx, "lesson-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	l := testLesson()
	if err := s.UpsertLesson(ctx, l); err != nil {
		t.Fatalf("UpsertLesson: %v", err)
	}
	got, err := s.GetLesson(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetLesson: %v", err)
	}
	if got.Title != l.Title || len(got.Questions) != 2 || got.Questions[1].ID != "q2" {
		t.Errorf("unexpected lesson %+v", got)
	}
	if c, ok := got.Questions[0].CorrectOption(); !ok || c.ID != "b" {
		t.Errorf("correct option lost in round trip: %+v", got.Questions[0])
	}

	l.Title = "O New Look de Dior"
	if err := s.UpsertLesson(ctx, l); err != nil {
		t.Fatalf("UpsertLesson update: %v", err)
	}
	lessons, err := s.ListLessons(ctx)
	if err != nil {
		t.Fatalf("ListLessons: %v", err)
	}
	if len(lessons) != 1 || lessons[0].Title != "O New Look de Dior" {
		t.Errorf("unexpected lessons %+v", lessons)
	}
}

func testAttempt(id string, score float64, points int) model.Attempt {
	return model.Attempt{
		ID:               id,
		UserID:           "user-1",
		LessonID:         "lesson-1",
		QuizType:         model.QuizLessonBased,
		CorrectAnswers:   1,
		IncorrectAnswers: 1,
		Score:            score,
		PointsEarned:     points,
		TopicsCovered:    []string{"Alta-costura"},
		Responses:        []model.Response{{QuestionID: "q1", Answer: "b"}},
		Feedback: &model.Feedback{
			OverallScore:     score,
			QuestionFeedback: []model.QuestionFeedback{{QuestionID: "q1", UserAnswer: "b", IsCorrect: true, Score: 10, AIReasoning: "Correto!"}},
		},
		CreatedAt: time.Now(),
	}
}

func TestRecordAttemptIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testAttempt("attempt-1", 90, 90)
	applied, err := s.RecordAttempt(ctx, a)
	if err != nil || !applied {
		t.Fatalf("RecordAttempt = %v, %v; want applied", applied, err)
	}
	applied, err = s.RecordAttempt(ctx, a)
	if err != nil || applied {
		t.Fatalf("second RecordAttempt = %v, %v; want skipped", applied, err)
	}

	got, err := s.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if got.Score != 90 || got.Feedback == nil || len(got.Feedback.QuestionFeedback) != 1 {
		t.Errorf("unexpected attempt %+v", got)
	}
	list, err := s.ListAttempts(ctx, "user-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListAttempts = %d, %v", len(list), err)
	}
	steps, err := s.AppliedSteps(ctx, a.ID, a.UserID)
	if err != nil || len(steps) != 1 || steps[0] != StepAttempt {
		t.Errorf("AppliedSteps = %v, %v", steps, err)
	}
}

func TestRecordAttemptConflictsAcrossUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testAttempt("attempt-1", 90, 90)
	if _, err := s.RecordAttempt(ctx, a); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	other := testAttempt("attempt-1", 10, 10)
	other.UserID = "user-2"
	applied, err := s.RecordAttempt(ctx, other)
	if !errors.Is(err, ErrConflict) || applied {
		t.Fatalf("RecordAttempt for another user = %v, %v; want ErrConflict", applied, err)
	}

	steps, err := s.AppliedSteps(ctx, a.ID, "user-2")
	if err != nil || len(steps) != 0 {
		t.Errorf("AppliedSteps(user-2) = %v, %v; want none", steps, err)
	}
	got, err := s.GetAttempt(ctx, a.ID)
	if err != nil || got.UserID != "user-1" || got.Score != 90 {
		t.Errorf("GetAttempt = %+v, %v", got, err)
	}
}

func TestProfileMonotonicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	scores := []float64{90, 25, 100, 50, 75}
	points := []int{90, 25, 100, 50, 75}
	sumPoints := 0
	for i := range scores {
		id := "attempt-" + string(rune('a'+i))
		applied, err := s.ApplyProfileDelta(ctx, id, "user-1", model.ProfileDelta{
			Score: scores[i], Points: points[i], LessonCompleted: true, Day: day,
		})
		if err != nil || !applied {
			t.Fatalf("ApplyProfileDelta #%d = %v, %v", i, applied, err)
		}
		sumPoints += points[i]

		// replaying the same attempt must not change anything
		if applied, _ := s.ApplyProfileDelta(ctx, id, "user-1", model.ProfileDelta{Score: scores[i], Points: points[i], Day: day}); applied {
			t.Fatalf("replay of %s applied twice", id)
		}

		p, err := s.GetProfile(ctx, "user-1")
		if err != nil {
			t.Fatalf("GetProfile: %v", err)
		}
		if p.TotalQuizzesCompleted != i+1 || p.TotalLessonsCompleted != i+1 {
			t.Errorf("after %d attempts: quizzes=%d lessons=%d", i+1, p.TotalQuizzesCompleted, p.TotalLessonsCompleted)
		}
		if p.Points != sumPoints {
			t.Errorf("after %d attempts: points=%d, want %d", i+1, p.Points, sumPoints)
		}
	}

	p, _ := s.GetProfile(ctx, "user-1")
	if math.Abs(p.AverageScore-68) > 1e-9 {
		t.Errorf("AverageScore = %v, want 68", p.AverageScore)
	}
	if p.LastActivityDate != "2026-03-10" || p.StreakDays != 1 {
		t.Errorf("streak = %d on %s", p.StreakDays, p.LastActivityDate)
	}
}

func TestProfileLevelAndStreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	steps := []struct {
		day        time.Time
		points     int
		wantStreak int
		wantLevel  int
	}{
		{day, 600, 1, 1},
		{day.AddDate(0, 0, 1), 600, 2, 2},
		{day.AddDate(0, 0, 2), 100, 3, 2},
		{day.AddDate(0, 0, 2), 100, 3, 2},
		{day.AddDate(0, 0, 5), 1000, 1, 3},
	}
	for i, st := range steps {
		id := "attempt-" + string(rune('a'+i))
		if _, err := s.ApplyProfileDelta(ctx, id, "user-1", model.ProfileDelta{Score: 50, Points: st.points, Day: st.day}); err != nil {
			t.Fatalf("ApplyProfileDelta: %v", err)
		}
		p, _ := s.GetProfile(ctx, "user-1")
		if p.StreakDays != st.wantStreak {
			t.Errorf("step %d: streak = %d, want %d", i, p.StreakDays, st.wantStreak)
		}
		if p.Level != st.wantLevel {
			t.Errorf("step %d: level = %d, want %d", i, p.Level, st.wantLevel)
		}
		if p.TotalLessonsCompleted != 0 {
			t.Errorf("step %d: lessons completed should stay 0 without LessonCompleted", i)
		}
	}
}

func TestGetProfileDefault(t *testing.T) {
	s := newTestStore(t)
	p, err := s.GetProfile(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Level != 1 || p.Points != 0 || p.Weaknesses == nil {
		t.Errorf("unexpected default profile %+v", p)
	}
}

func TestRecordDifficultiesFindAndIncrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	miss := func(topic string) model.MissedTopic {
		return model.MissedTopic{Topic: topic, Context: "Erro em: " + topic}
	}
	wantLevels := []model.DifficultyLevel{
		model.DifficultyMedium,   // inserted, count 1
		model.DifficultyMedium,   // previous count 1
		model.DifficultyHigh,     // previous count 2
		model.DifficultyCritical, // previous count 3
	}
	for i, want := range wantLevels {
		id := "attempt-" + string(rune('a'+i))
		if _, err := s.RecordDifficulties(ctx, id, "user-1", []model.MissedTopic{miss("Alta-costura")}, now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("RecordDifficulties: %v", err)
		}
		ds, err := s.ListDifficulties(ctx, "user-1", false)
		if err != nil {
			t.Fatalf("ListDifficulties: %v", err)
		}
		if len(ds) != 1 {
			t.Fatalf("expected one record, got %d", len(ds))
		}
		if ds[0].ErrorCount != i+1 || ds[0].Level != want {
			t.Errorf("after %d misses: count=%d level=%s, want %d/%s", i+1, ds[0].ErrorCount, ds[0].Level, i+1, want)
		}
	}

	// two misses on a new topic in one attempt share a record
	if _, err := s.RecordDifficulties(ctx, "attempt-z", "user-1", []model.MissedTopic{miss("Geral"), miss("Geral")}, now); err != nil {
		t.Fatalf("RecordDifficulties: %v", err)
	}
	ds, _ := s.ListDifficulties(ctx, "user-1", false)
	if len(ds) != 2 {
		t.Fatalf("expected two records, got %d", len(ds))
	}
	for _, d := range ds {
		if d.Topic == "Geral" && d.ErrorCount != 2 {
			t.Errorf("Geral error_count = %d, want 2", d.ErrorCount)
		}
	}

	p, _ := s.GetProfile(ctx, "user-1")
	if len(p.Weaknesses) != 2 {
		t.Errorf("Weaknesses = %v", p.Weaknesses)
	}

	// replay is a no-op
	if applied, _ := s.RecordDifficulties(ctx, "attempt-z", "user-1", []model.MissedTopic{miss("Geral")}, now); applied {
		t.Error("replayed difficulties step was applied")
	}
}

func TestSaveProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := model.LessonProgress{
		UserID:      "user-1",
		LessonID:    "lesson-1",
		Status:      model.ProgressCompleted,
		Percentage:  100,
		Responses:   []model.Response{{QuestionID: "q1", Answer: "a"}},
		Feedback:    model.Feedback{OverallScore: 25},
		CompletedAt: time.Now(),
	}
	if _, err := s.SaveProgress(ctx, "attempt-1", p); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}
	p.Feedback.OverallScore = 90
	if _, err := s.SaveProgress(ctx, "attempt-2", p); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}

	got, err := s.GetProgress(ctx, "user-1", "lesson-1")
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if got.Status != model.ProgressCompleted || got.Feedback.OverallScore != 90 {
		t.Errorf("unexpected progress %+v", got)
	}
	if _, err := s.GetProgress(ctx, "user-1", "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUserAndSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, model.User{Username: "ana", DisplayName: "Ana", PasswordHash: "x", Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := s.CreateUser(ctx, model.User{Username: "ana", PasswordHash: "y"}); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate CreateUser = %v, want ErrUserExists", err)
	}

	u, err := s.GetUserByID(ctx, id)
	if err != nil || u == nil || u.Role != model.UserRoleStudent {
		t.Fatalf("GetUserByID = %+v, %v", u, err)
	}
	if u, _ := s.GetUserByUsername(ctx, "nobody"); u != nil {
		t.Error("expected nil for unknown username")
	}

	token, err := s.CreateAuthSession(ctx, id)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	sess, err := s.GetAuthSession(ctx, token)
	if err != nil || sess == nil || sess.UserID != id {
		t.Fatalf("GetAuthSession = %+v, %v", sess, err)
	}

	if err := s.ToggleUserActive(ctx, id); err != nil {
		t.Fatalf("ToggleUserActive: %v", err)
	}
	if sess, _ := s.GetAuthSession(ctx, token); sess != nil {
		t.Error("disabling a user should end their sessions")
	}
	u, _ = s.GetUserByID(ctx, id)
	if u.Active {
		t.Error("user should be inactive")
	}
	if err := s.ToggleUserActive(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ToggleUserActive(missing) = %v", err)
	}

	count, err := s.UserCount(ctx)
	if err != nil || count != 1 {
		t.Errorf("UserCount = %d, %v", count, err)
	}
}

func TestImportedFileHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h, err := s.ImportedFileHash(ctx, "lessons.json")
	if err != nil || h != "" {
		t.Fatalf("ImportedFileHash = %q, %v", h, err)
	}
	if err := s.SetImportedFileHash(ctx, "lessons.json", "abc"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	if err := s.SetImportedFileHash(ctx, "lessons.json", "def"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	if h, _ := s.ImportedFileHash(ctx, "lessons.json"); h != "def" {
		t.Errorf("ImportedFileHash = %q, want def", h)
	}
}

func TestExportAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertLesson(ctx, testLesson()); err != nil {
		t.Fatalf("UpsertLesson: %v", err)
	}
	uid, err := s.CreateUser(ctx, model.User{Username: "ana", DisplayName: "Ana", PasswordHash: "x", Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	a := testAttempt("attempt-1", 90, 90)
	a.UserID = uid
	if _, err := s.RecordAttempt(ctx, a); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	results, err := s.ExportAttempts(ctx)
	if err != nil {
		t.Fatalf("ExportAttempts: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Username != "ana" || r.LessonTitle != "O New Look" || len(r.Questions) != 1 {
		t.Errorf("unexpected result %+v", r)
	}
	if r.Questions[0].Prompt != "Quem?" || r.Questions[0].Feedback != "Correto!" {
		t.Errorf("unexpected question result %+v", r.Questions[0])
	}
}
