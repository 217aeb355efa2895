package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/couture-edu/couture/internal/catalog"
	"github.com/couture-edu/couture/internal/i18n"
	"github.com/couture-edu/couture/internal/model"
	"github.com/couture-edu/couture/internal/store"
)

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		slog.Error("failed to list users", "error", err)
		writeError(w, http.StatusInternalServerError, i18n.T(r.Context(), "InternalError"))
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Username    string `json:"username" validate:"required,min=3,max=64"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password" validate:"required,min=8"`
	Role        string `json:"role" validate:"omitempty,oneof=student teacher admin"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !h.decode(w, r, &req) || !h.valid(w, r, req) {
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, i18n.T(r.Context(), "InternalError"))
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	id, err := h.store.CreateUser(r.Context(), model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         model.UserRole(req.Role),
		Active:       true,
	})
	if errors.Is(err, store.ErrUserExists) {
		writeError(w, http.StatusConflict, i18n.T(r.Context(), "UserExists"))
		return
	}
	if err != nil {
		slog.Error("failed to create user", "error", err)
		writeError(w, http.StatusInternalServerError, i18n.T(r.Context(), "InternalError"))
		return
	}

	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil || user == nil {
		slog.Error("failed to load created user", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, i18n.T(r.Context(), "InternalError"))
		return
	}
	slog.Info("created user via admin", "id", id, "username", user.Username, "role", user.Role)
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	if caller := model.UserFromContext(r.Context()); caller != nil && caller.ID == id {
		writeError(w, http.StatusForbidden, i18n.T(r.Context(), "Forbidden"))
		return
	}

	err := h.store.ToggleUserActive(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
		return
	}
	if err != nil {
		slog.Error("failed to toggle user active", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, i18n.T(r.Context(), "InternalError"))
		return
	}

	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil || user == nil {
		writeError(w, http.StatusInternalServerError, i18n.T(r.Context(), "InternalError"))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) handleUploadLessons(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeError(w, http.StatusBadRequest, i18n.T(r.Context(), "InvalidRequestBody"))
		return
	}

	file, header, err := r.FormFile("lessons_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, i18n.T(r.Context(), "InvalidRequestBody"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, i18n.T(r.Context(), "InternalError"))
		return
	}

	lessons, err := catalog.Import(r.Context(), h.store, header.Filename, data)
	if errors.Is(err, catalog.ErrUnchanged) {
		writeJSON(w, http.StatusOK, map[string]any{"imported": 0, "message": i18n.T(r.Context(), "LessonFileUnchanged")})
		return
	}
	if err != nil {
		slog.Warn("lesson upload rejected", "filename", header.Filename, "error", err)
		writeError(w, http.StatusUnprocessableEntity, i18n.Td(r.Context(), "InvalidSubmission", map[string]any{"Reason": err.Error()}))
		return
	}

	ids := make([]string, 0, len(lessons))
	for _, l := range lessons {
		ids = append(ids, l.ID)
	}
	slog.Info("uploaded lessons via admin", "filename", header.Filename, "count", len(lessons))
	writeJSON(w, http.StatusOK, map[string]any{
		"imported":   len(lessons),
		"lesson_ids": ids,
		"message":    i18n.Tp(r.Context(), "LessonsImported", len(lessons)),
	})
}
