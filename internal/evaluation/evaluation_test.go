package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couture-edu/couture/internal/grading"
	"github.com/couture-edu/couture/internal/i18n"
	"github.com/couture-edu/couture/internal/llm"
	"github.com/couture-edu/couture/internal/llm/prompts"
	"github.com/couture-edu/couture/internal/model"
	"github.com/couture-edu/couture/internal/store"
)

func TestMain(m *testing.M) {
	if err := i18n.Init(i18n.DefaultLanguage); err != nil {
		panic(err)
	}
	if err := prompts.Load(prompts.Files); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

const lessonID = "lesson-1"

func newLookLesson() model.Lesson {
	return model.Lesson{
		ID:           lessonID,
		Title:        "O New Look",
		PointsReward: 100,
		Topics:       []string{"Alta-costura"},
		Questions: []model.Question{
			{
				ID: "q1", Order: 1, Type: model.QuestionSingleChoice,
				Prompt: "Quem lançou o New Look?",
				Options: []model.Option{
					{ID: "a", Text: "Coco Chanel"},
					{ID: "b", Text: "Christian Dior", IsCorrect: true},
				},
				Topics: []string{"Alta-costura"},
			},
			{
				ID: "q2", Order: 2, Type: model.QuestionFreeText,
				Prompt: "Descreva a silhueta do New Look.",
				Topics: []string{"Silhueta"},
			},
		},
	}
}

type fixture struct {
	store    *store.Store
	provider *llm.MockProvider
	svc      *Service
}

func newFixture(t *testing.T, lessons ...model.Lesson) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	for _, l := range lessons {
		require.NoError(t, st.UpsertLesson(context.Background(), l))
	}
	p := llm.NewMockProvider()
	g := grading.New(p, model.GradingConfig{Concurrency: 2, CallTimeout: time.Second})
	return &fixture{store: st, provider: p, svc: New(st, g, nil, nil, Config{})}
}

func reply(s string) *llm.MockResponse {
	return &llm.MockResponse{Content: json.RawMessage(s)}
}

func TestEvaluateScenarios(t *testing.T) {
	tests := []struct {
		name       string
		reply      *llm.MockResponse
		responses  []model.Response
		wantScores []float64
		wantScore  float64
		wantPoints int
		wantTopics []string
	}{
		{
			name:       "correct choice and good essay",
			reply:      reply(`NOTA: 8` + "\n" + `FEEDBACK: good`),
			responses:  []model.Response{{QuestionID: "q1", Answer: "b"}, {QuestionID: "q2", Answer: "some free text"}},
			wantScores: []float64{10, 8},
			wantScore:  90,
			wantPoints: 90,
		},
		{
			name:       "wrong choice and unparseable grade",
			reply:      reply(`I am unable to grade this answer.`),
			responses:  []model.Response{{QuestionID: "q1", Answer: "a"}, {QuestionID: "q2", Answer: ""}},
			wantScores: []float64{0, 5},
			wantScore:  25,
			wantPoints: 25,
			wantTopics: []string{"Alta-costura", "Silhueta"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, newLookLesson())
			f.provider.Fallback = tt.reply
			ctx := context.Background()

			res, err := f.svc.Evaluate(ctx, Submission{LessonID: lessonID, UserID: "user-1", Responses: tt.responses})
			require.NoError(t, err)
			assert.False(t, res.Partial)
			assert.NotEmpty(t, res.AttemptID)
			assert.Equal(t, tt.wantScore, res.Score)
			assert.Equal(t, tt.wantScore, res.Feedback.OverallScore)
			assert.Equal(t, tt.wantPoints, res.PointsEarned)

			require.Len(t, res.Feedback.QuestionFeedback, len(tt.wantScores))
			for i, want := range tt.wantScores {
				assert.Equal(t, want, res.Feedback.QuestionFeedback[i].Score, "question %d", i)
				assert.GreaterOrEqual(t, res.Feedback.QuestionFeedback[i].Score, 0.0)
				assert.LessOrEqual(t, res.Feedback.QuestionFeedback[i].Score, 10.0)
			}

			p, err := f.store.GetProfile(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, 1, p.TotalQuizzesCompleted)
			assert.Equal(t, 1, p.TotalLessonsCompleted)
			assert.Equal(t, tt.wantPoints, p.Points)
			assert.Equal(t, 1, p.StreakDays)

			progress, err := f.store.GetProgress(ctx, "user-1", lessonID)
			require.NoError(t, err)
			assert.Equal(t, model.ProgressCompleted, progress.Status)
			assert.Equal(t, 100, progress.Percentage)

			ds, err := f.store.ListDifficulties(ctx, "user-1", false)
			require.NoError(t, err)
			var topics []string
			for _, d := range ds {
				topics = append(topics, d.Topic)
				assert.Equal(t, 1, d.ErrorCount)
				assert.Equal(t, model.DifficultyMedium, d.Level)
			}
			assert.ElementsMatch(t, tt.wantTopics, topics)

			a, err := f.store.GetAttempt(ctx, res.AttemptID)
			require.NoError(t, err)
			assert.Equal(t, model.QuizLessonBased, a.QuizType)
			assert.Equal(t, tt.wantScore, a.Score)
		})
	}
}

func TestEvaluateChoiceIsDeterministic(t *testing.T) {
	lesson := newLookLesson()
	lesson.Questions = lesson.Questions[:1]
	f := newFixture(t, lesson)

	sub := Submission{LessonID: lessonID, UserID: "user-1", Responses: []model.Response{{QuestionID: "q1", Answer: "b"}}}
	first, err := f.svc.Evaluate(context.Background(), sub)
	require.NoError(t, err)
	second, err := f.svc.Evaluate(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, first.Feedback.QuestionFeedback, second.Feedback.QuestionFeedback)
	assert.Equal(t, 100.0, first.Score)
	assert.Zero(t, f.provider.CallCount(), "no knowledge base means no model call")
}

func TestEvaluateAttemptIDIsIdempotent(t *testing.T) {
	f := newFixture(t, newLookLesson())
	f.provider.Fallback = reply(`{"score": 8, "feedback": "good"}`)
	ctx := context.Background()

	sub := Submission{
		LessonID:  lessonID,
		UserID:    "user-1",
		AttemptID: uuid.NewString(),
		Responses: []model.Response{{QuestionID: "q1", Answer: "b"}, {QuestionID: "q2", Answer: "texto"}},
	}
	first, err := f.svc.Evaluate(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, 90.0, first.Score)

	// a later grade for the same answers must not leak into the replay
	f.provider.Fallback = reply(`{"score": 2, "feedback": "fraco"}`)
	for i := 0; i < 2; i++ {
		res, err := f.svc.Evaluate(ctx, sub)
		require.NoError(t, err)
		assert.Equal(t, sub.AttemptID, res.AttemptID)
		assert.False(t, res.Partial)
		assert.Equal(t, first.Score, res.Score)
		assert.Equal(t, first.PointsEarned, res.PointsEarned)
		assert.Equal(t, first.Feedback.QuestionFeedback, res.Feedback.QuestionFeedback)
	}
	assert.Equal(t, 1, f.provider.CallCount(), "a replay is not graded again")

	p, err := f.store.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.TotalQuizzesCompleted)
	assert.Equal(t, 90, p.Points)

	steps, err := f.store.AppliedSteps(ctx, sub.AttemptID, "user-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{store.StepAttempt, store.StepProfile, store.StepProgress, store.StepDifficulties}, steps)
}

func TestEvaluateRejectsReusedAttemptID(t *testing.T) {
	other := newLookLesson()
	other.ID = "lesson-2"
	f := newFixture(t, newLookLesson(), other)
	f.provider.Fallback = reply(`{"score": 8, "feedback": "good"}`)
	ctx := context.Background()

	id := uuid.NewString()
	responses := []model.Response{{QuestionID: "q1", Answer: "b"}, {QuestionID: "q2", Answer: "texto"}}
	_, err := f.svc.Evaluate(ctx, Submission{LessonID: lessonID, UserID: "user-1", AttemptID: id, Responses: responses})
	require.NoError(t, err)
	calls := f.provider.CallCount()

	tests := []struct {
		name string
		sub  Submission
	}{
		{"another learner", Submission{LessonID: lessonID, UserID: "user-2", AttemptID: id, Responses: responses}},
		{"another lesson", Submission{LessonID: "lesson-2", UserID: "user-1", AttemptID: id, Responses: responses}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.Evaluate(ctx, tt.sub)
			require.ErrorIs(t, err, ErrAttemptConflict)
			assert.ErrorIs(t, err, ErrInvalidSubmission)
			assert.Nil(t, res)
		})
	}
	assert.Equal(t, calls, f.provider.CallCount())

	p, err := f.store.GetProfile(ctx, "user-2")
	require.NoError(t, err)
	assert.Zero(t, p.TotalQuizzesCompleted)
	steps, err := f.store.AppliedSteps(ctx, id, "user-2")
	require.NoError(t, err)
	assert.Empty(t, steps)

	p, err = f.store.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.TotalQuizzesCompleted)
	_, err = f.store.GetProgress(ctx, "user-1", "lesson-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEvaluateCancelledRequestRecordsNothing(t *testing.T) {
	f := newFixture(t, newLookLesson())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := grading.New(cancellingProvider{cancel: cancel}, model.GradingConfig{CallTimeout: time.Second})
	svc := New(f.store, g, nil, nil, Config{})

	res, err := svc.Evaluate(ctx, Submission{
		LessonID:  lessonID,
		UserID:    "user-1",
		Responses: []model.Response{{QuestionID: "q1", Answer: "b"}, {QuestionID: "q2", Answer: "texto"}},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)

	bg := context.Background()
	attempts, err := f.store.ListAttempts(bg, "")
	require.NoError(t, err)
	assert.Empty(t, attempts)
	p, err := f.store.GetProfile(bg, "user-1")
	require.NoError(t, err)
	assert.Zero(t, p.TotalQuizzesCompleted)
	ds, err := f.store.ListDifficulties(bg, "user-1", false)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

// cancellingProvider ends the caller's request while a call is in flight.
type cancellingProvider struct {
	cancel context.CancelFunc
}

func (p cancellingProvider) Generate(ctx context.Context, _ llm.Request) (*llm.Response, error) {
	p.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (cancellingProvider) ModelID() string { return "cancelling" }

func TestEvaluateProfileMonotonicity(t *testing.T) {
	f := newFixture(t, newLookLesson())
	ctx := context.Background()

	grades := []string{
		`{"score": 8, "feedback": "bom"}`,
		`{"score": 3, "feedback": "fraco"}`,
		`{"score": 10, "feedback": "excelente"}`,
		`NOTA: 6,5` + "\n" + `FEEDBACK: razoável`,
	}
	sum := 0
	for i, g := range grades {
		f.provider.AddResponse(llm.MockResponse{Content: json.RawMessage(g)})
		res, err := f.svc.Evaluate(ctx, Submission{
			LessonID:  lessonID,
			UserID:    "user-1",
			Responses: []model.Response{{QuestionID: "q1", Answer: "b"}, {QuestionID: "q2", Answer: "resposta"}},
		})
		require.NoError(t, err)
		sum += res.PointsEarned

		p, err := f.store.GetProfile(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, i+1, p.TotalQuizzesCompleted)
		assert.Equal(t, sum, p.Points)
		assert.Equal(t, grading.Level(sum), p.Level)
	}
}

func TestEvaluateRepeatedMissIncrementsDifficulty(t *testing.T) {
	lesson := newLookLesson()
	lesson.Questions = lesson.Questions[:1]
	f := newFixture(t, lesson)
	ctx := context.Background()

	want := []model.DifficultyLevel{model.DifficultyMedium, model.DifficultyMedium, model.DifficultyHigh, model.DifficultyCritical}
	for i, level := range want {
		_, err := f.svc.Evaluate(ctx, Submission{LessonID: lessonID, UserID: "user-1", Responses: []model.Response{{QuestionID: "q1", Answer: "a"}}})
		require.NoError(t, err)

		ds, err := f.store.ListDifficulties(ctx, "user-1", false)
		require.NoError(t, err)
		require.Len(t, ds, 1)
		assert.Equal(t, i+1, ds[0].ErrorCount)
		assert.Equal(t, level, ds[0].Level)
		assert.Equal(t, "Erro em: Quem lançou o New Look?", ds[0].Context)
	}
}

func TestEvaluateRejectsWithoutStateChange(t *testing.T) {
	empty := model.Lesson{ID: "empty", Title: "Vazia", PointsReward: 100}
	broken := newLookLesson()
	broken.ID = "broken"
	broken.Questions[0].Options[1].IsCorrect = false

	tests := []struct {
		name    string
		sub     Submission
		wantErr error
	}{
		{"missing user", Submission{LessonID: lessonID, Responses: []model.Response{}}, ErrInvalidSubmission},
		{"missing responses", Submission{LessonID: lessonID, UserID: "user-1"}, ErrInvalidSubmission},
		{"response without question", Submission{LessonID: lessonID, UserID: "user-1", Responses: []model.Response{{Answer: "b"}}}, ErrInvalidSubmission},
		{"malformed attempt id", Submission{LessonID: lessonID, UserID: "user-1", Responses: []model.Response{}, AttemptID: "x"}, ErrInvalidSubmission},
		{"unknown lesson", Submission{LessonID: "nope", UserID: "user-1", Responses: []model.Response{}}, ErrLessonNotFound},
		{"zero questions", Submission{LessonID: "empty", UserID: "user-1", Responses: []model.Response{}}, grading.ErrNoQuestions},
		{"no correct option", Submission{LessonID: "broken", UserID: "user-1", Responses: []model.Response{{QuestionID: "q1", Answer: "b"}}}, grading.ErrNoCorrectOption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, newLookLesson(), empty, broken)
			ctx := context.Background()

			res, err := f.svc.Evaluate(ctx, tt.sub)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)

			attempts, err := f.store.ListAttempts(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, attempts)
			p, err := f.store.GetProfile(ctx, "user-1")
			require.NoError(t, err)
			assert.Zero(t, p.TotalQuizzesCompleted)
			assert.Zero(t, f.provider.CallCount())
		})
	}
}

func TestEvaluateNoCorrectOptionNamesQuestion(t *testing.T) {
	broken := newLookLesson()
	broken.Questions[0].Options[1].IsCorrect = false
	f := newFixture(t, broken)

	_, err := f.svc.Evaluate(context.Background(), Submission{LessonID: lessonID, UserID: "user-1", Responses: []model.Response{}})
	require.ErrorIs(t, err, grading.ErrNoCorrectOption)
	assert.Contains(t, err.Error(), "q1")
}

// failingStore fails one persistence step.
type failingStore struct {
	*store.Store
	failStep string
}

var errDisk = errors.New("disk full")

func (s failingStore) ApplyProfileDelta(ctx context.Context, attemptID, userID string, d model.ProfileDelta) (bool, error) {
	if s.failStep == store.StepProfile {
		return false, errDisk
	}
	return s.Store.ApplyProfileDelta(ctx, attemptID, userID, d)
}

func (s failingStore) SaveProgress(ctx context.Context, attemptID string, p model.LessonProgress) (bool, error) {
	if s.failStep == store.StepProgress {
		return false, errDisk
	}
	return s.Store.SaveProgress(ctx, attemptID, p)
}

func TestEvaluatePartialPersistence(t *testing.T) {
	f := newFixture(t, newLookLesson())
	g := grading.New(f.provider, model.GradingConfig{CallTimeout: time.Second})
	svc := New(failingStore{Store: f.store, failStep: store.StepProfile}, g, nil, nil, Config{})
	ctx := context.Background()

	res, err := svc.Evaluate(ctx, Submission{LessonID: lessonID, UserID: "user-1", Responses: []model.Response{{QuestionID: "q1", Answer: "a"}}})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, []string{store.StepProfile}, res.FailedSteps)
	assert.Equal(t, 0.0, res.Score)

	// the remaining steps still ran
	_, err = f.store.GetAttempt(ctx, res.AttemptID)
	require.NoError(t, err)
	ds, err := f.store.ListDifficulties(ctx, "user-1", false)
	require.NoError(t, err)
	assert.Len(t, ds, 1)

	// retrying with the working store completes only the missing step
	res2, err := f.svc.Evaluate(ctx, Submission{
		LessonID: lessonID, UserID: "user-1", AttemptID: uuidFor(t, res.AttemptID),
		Responses: []model.Response{{QuestionID: "q1", Answer: "a"}},
	})
	require.NoError(t, err)
	assert.False(t, res2.Partial)
	p, err := f.store.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.TotalQuizzesCompleted)
	ds, err = f.store.ListDifficulties(ctx, "user-1", false)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, 1, ds[0].ErrorCount)
}

func uuidFor(t *testing.T, id string) string {
	t.Helper()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	return id
}

func TestSubmitQuiz(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.SubmitQuiz(ctx, QuizSubmission{
		UserID:   "user-1",
		QuizType: model.QuizPractice,
		Questions: []model.QuizQuestion{
			{ID: "1", Question: "Quem criou o tailleur Bar?", CorrectAnswer: "Dior", Topics: []string{"Alta-costura"}},
			{ID: "2", Question: "Qual tecido é típico da Chanel?", CorrectAnswer: "Tweed", Topics: []string{"Tecidos"}},
			{ID: "3", Question: "Em que década surgiu a minissaia?", CorrectAnswer: "1960"},
			{ID: "4", Question: "Quem popularizou o smoking feminino?", CorrectAnswer: "Yves Saint Laurent", Topics: []string{"Alfaiataria"}},
		},
		Answers:       []string{"Dior", "Seda", "1960"},
		TopicsCovered: []string{"História da moda"},
		TimeTaken:     120,
	})
	require.NoError(t, err)
	assert.Equal(t, 50.0, res.Score)
	assert.Equal(t, 75, res.PointsEarned)
	require.Len(t, res.Feedback.QuestionFeedback, 4)
	assert.True(t, res.Feedback.QuestionFeedback[0].IsCorrect)
	assert.False(t, res.Feedback.QuestionFeedback[3].IsCorrect, "missing answer counts as wrong")

	p, err := f.store.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.TotalQuizzesCompleted)
	assert.Zero(t, p.TotalLessonsCompleted)
	assert.Equal(t, 75, p.Points)

	ds, err := f.store.ListDifficulties(ctx, "user-1", false)
	require.NoError(t, err)
	var topics []string
	for _, d := range ds {
		topics = append(topics, d.Topic)
	}
	assert.ElementsMatch(t, []string{"Tecidos", "Alfaiataria"}, topics)

	steps, err := f.store.AppliedSteps(ctx, res.AttemptID, "user-1")
	require.NoError(t, err)
	assert.NotContains(t, steps, store.StepProgress)
	assert.Zero(t, f.provider.CallCount())
}

func TestSubmitQuizRejectsEmpty(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitQuiz(context.Background(), QuizSubmission{UserID: "user-1", Questions: []model.QuizQuestion{}})
	require.ErrorIs(t, err, grading.ErrNoQuestions)

	_, err = f.svc.SubmitQuiz(context.Background(), QuizSubmission{UserID: "user-1"})
	require.ErrorIs(t, err, ErrInvalidSubmission)
}

func TestSubmitQuizReplayReturnsRecordedResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := QuizSubmission{
		AttemptID: uuid.NewString(),
		UserID:    "user-1",
		Questions: []model.QuizQuestion{
			{ID: "1", Question: "Quem criou o tailleur Bar?", CorrectAnswer: "Dior", Topics: []string{"Alta-costura"}},
			{ID: "2", Question: "Qual tecido é típico da Chanel?", CorrectAnswer: "Tweed", Topics: []string{"Tecidos"}},
		},
		Answers: []string{"Dior", "Seda"},
	}
	first, err := f.svc.SubmitQuiz(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, 50.0, first.Score)

	sub.Answers = []string{"Dior", "Tweed"}
	again, err := f.svc.SubmitQuiz(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, first.Score, again.Score)
	assert.Equal(t, first.PointsEarned, again.PointsEarned)

	p, err := f.store.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.TotalQuizzesCompleted)

	sub.UserID = "user-2"
	_, err = f.svc.SubmitQuiz(ctx, sub)
	require.ErrorIs(t, err, ErrAttemptConflict)
}

func TestSuggestDifficulty(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  int
	}{
		{"valid level", "3", 3},
		{"level with text", "4 - avançado", 4},
		{"out of range", "7", grading.DefaultDifficulty},
		{"garbage", "difícil", grading.DefaultDifficulty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.provider.AddResponse(llm.MockResponse{Content: json.RawMessage(tt.reply)})
			got, err := f.svc.SuggestDifficulty(context.Background(), QuestionDraft{Question: "O que é um bias cut?", Topic: "Modelagem"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	f := newFixture(t)
	_, err := f.svc.SuggestDifficulty(context.Background(), QuestionDraft{Topic: "Modelagem"})
	require.ErrorIs(t, err, ErrInvalidSubmission)
}
