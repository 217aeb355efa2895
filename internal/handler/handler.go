// Package handler exposes the grading pipeline over a JSON HTTP API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/couture-edu/couture/internal/evaluation"
	"github.com/couture-edu/couture/internal/grading"
	"github.com/couture-edu/couture/internal/i18n"
	"github.com/couture-edu/couture/internal/llm"
	"github.com/couture-edu/couture/internal/metrics"
	"github.com/couture-edu/couture/internal/model"
	"github.com/couture-edu/couture/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Config holds HTTP-level settings.
type Config struct {
	SecureCookies bool
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	eval   *evaluation.Service
	config Config
}

// New creates a new Handler.
func New(s *store.Store, eval *evaluation.Service, cfg Config) *Handler {
	return &Handler{store: s, eval: eval, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/api/auth/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/api/auth/logout", h.handleLogout)

		r.Post("/api/lessons/{lessonID}/evaluate", h.handleEvaluate)
		r.Post("/api/evaluate-lesson-responses", h.handleEvaluate)
		r.Post("/api/quiz-attempts", h.handleSubmitQuiz)
		r.Get("/api/lessons", h.handleListLessons)
		r.Get("/api/profile", h.handleProfile)
		r.Get("/api/difficulties", h.handleDifficulties)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(model.UserRoleTeacher, model.UserRoleAdmin))
			r.Post("/api/questions/suggest-difficulty", h.handleSuggestDifficulty)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Get("/users", h.handleListUsers)
			r.Post("/users", h.handleCreateUser)
			r.Post("/users/{userID}/toggle", h.handleToggleUserActive)
			r.Post("/lessons", h.handleUploadLessons)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type evaluateResponse struct {
	Success bool `json:"success"`
	*evaluation.Result
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var sub evaluation.Submission
	if !h.decode(w, r, &sub) {
		return
	}
	if id := chi.URLParam(r, "lessonID"); id != "" {
		if sub.LessonID != "" && sub.LessonID != id {
			writeError(w, http.StatusBadRequest, i18n.Td(r.Context(), "InvalidSubmission", map[string]any{"Reason": "lesson_id does not match the URL"}))
			return
		}
		sub.LessonID = id
	}
	if !h.claimUser(w, r, &sub.UserID) {
		return
	}
	if !h.valid(w, r, sub) {
		return
	}

	res, err := h.eval.Evaluate(r.Context(), sub)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{Success: true, Result: res})
}

func (h *Handler) handleSubmitQuiz(w http.ResponseWriter, r *http.Request) {
	var sub evaluation.QuizSubmission
	if !h.decode(w, r, &sub) {
		return
	}
	if !h.claimUser(w, r, &sub.UserID) {
		return
	}
	if !h.valid(w, r, sub) {
		return
	}

	res, err := h.eval.SubmitQuiz(r.Context(), sub)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{Success: true, Result: res})
}

func (h *Handler) handleSuggestDifficulty(w http.ResponseWriter, r *http.Request) {
	var draft evaluation.QuestionDraft
	if !h.decode(w, r, &draft) || !h.valid(w, r, draft) {
		return
	}
	level, err := h.eval.SuggestDifficulty(r.Context(), draft)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"difficulty": level})
}

func (h *Handler) handleListLessons(w http.ResponseWriter, r *http.Request) {
	lessons, err := h.store.ListLessons(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	type summary struct {
		ID           string   `json:"id"`
		Title        string   `json:"title"`
		PointsReward int      `json:"points_reward"`
		Topics       []string `json:"topics"`
		Questions    int      `json:"question_count"`
	}
	out := make([]summary, 0, len(lessons))
	for _, l := range lessons {
		out = append(out, summary{ID: l.ID, Title: l.Title, PointsReward: l.PointsReward, Topics: l.Topics, Questions: len(l.Questions)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	p, err := h.store.GetProfile(r.Context(), user.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleDifficulties(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	ds, err := h.store.ListDifficulties(r.Context(), user.ID, r.URL.Query().Get("resolved") == "true")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if ds == nil {
		ds = []model.Difficulty{}
	}
	writeJSON(w, http.StatusOK, ds)
}

// claimUser fills an empty user ID with the caller's and rejects
// submissions on behalf of someone else unless the caller is an admin.
func (h *Handler) claimUser(w http.ResponseWriter, r *http.Request, userID *string) bool {
	user := model.UserFromContext(r.Context())
	if *userID == "" {
		*userID = user.ID
		return true
	}
	if *userID != user.ID && user.Role != model.UserRoleAdmin {
		slog.Warn("submission for another user", "caller", user.ID, "user_id", *userID)
		writeError(w, http.StatusForbidden, i18n.T(r.Context(), "SubmitForOtherUser"))
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Debug("invalid request body", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, i18n.T(r.Context(), "InvalidRequestBody"))
		return false
	}
	return true
}

// writeServiceError maps pipeline errors to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var (
		noCorrect *grading.NoCorrectOptionError
		rateLimit *llm.ErrRateLimit
	)
	switch {
	case errors.Is(err, evaluation.ErrInvalidSubmission):
		writeError(w, http.StatusBadRequest, i18n.Td(ctx, "InvalidSubmission", map[string]any{"Reason": err.Error()}))
	case errors.Is(err, evaluation.ErrLessonNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, i18n.T(ctx, "LessonNotFound"))
	case errors.Is(err, grading.ErrNoQuestions):
		writeError(w, http.StatusUnprocessableEntity, i18n.T(ctx, "LessonHasNoQuestions"))
	case errors.As(err, &noCorrect):
		writeError(w, http.StatusUnprocessableEntity, i18n.Td(ctx, "QuestionWithoutCorrectOption", map[string]any{"QuestionID": noCorrect.QuestionID}))
	case errors.As(err, &rateLimit):
		writeError(w, http.StatusTooManyRequests, i18n.T(ctx, "RateLimited"))
	case isAIError(err):
		slog.Error("AI service error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, i18n.T(ctx, "AIUnavailable"))
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, i18n.T(ctx, "InternalError"))
	}
}

func isAIError(err error) bool {
	var unavailable *llm.ErrProviderUnavailable
	var invalid *llm.ErrInvalidResponse
	return errors.As(err, &unavailable) || errors.As(err, &invalid) || errors.Is(err, context.DeadlineExceeded)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
