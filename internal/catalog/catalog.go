// Package catalog imports authored lessons from JSON files.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/couture-edu/couture/internal/grading"
	"github.com/couture-edu/couture/internal/model"
)

var (
	// ErrUnchanged is returned when a file with identical content was
	// already imported under the same name.
	ErrUnchanged = errors.New("lesson file already imported")
	// ErrDuplicateQuestion is returned when two questions of a lesson share
	// an id.
	ErrDuplicateQuestion = errors.New("duplicate question id")
)

// Store is what the importer writes to.
type Store interface {
	UpsertLesson(ctx context.Context, l model.Lesson) error
	ImportedFileHash(ctx context.Context, name string) (string, error)
	SetImportedFileHash(ctx context.Context, name, hash string) error
}

// LessonImport is the authoring format of a lesson file entry.
type LessonImport struct {
	ID            string           `json:"id" validate:"omitempty,uuid"`
	Title         string           `json:"title" validate:"required"`
	KnowledgeBase string           `json:"knowledge_base"`
	PointsReward  int              `json:"points_reward" validate:"gte=0"`
	Topics        []string         `json:"topics"`
	Questions     []QuestionImport `json:"questions" validate:"dive"`
}

// QuestionImport is one authored question.
type QuestionImport struct {
	ID       string         `json:"id"`
	Type     string         `json:"type" validate:"required,oneof=dissertativa multipla_escolha"`
	Question string         `json:"question" validate:"required"`
	Options  []model.Option `json:"options" validate:"required_if=Type multipla_escolha"`
	Topics   []string       `json:"topics"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Import parses data as a JSON array of lessons and upserts them. name keys
// the content hash, so importing the same bytes twice returns ErrUnchanged.
// It returns the lessons written.
func Import(ctx context.Context, st Store, name string, data []byte) ([]model.Lesson, error) {
	hash := sha256sum(data)
	stored, err := st.ImportedFileHash(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if stored == hash {
		return nil, ErrUnchanged
	}

	lessons, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	for _, l := range lessons {
		if err := st.UpsertLesson(ctx, l); err != nil {
			return nil, fmt.Errorf("save lesson %q from %s: %w", l.Title, name, err)
		}
	}
	if err := st.SetImportedFileHash(ctx, name, hash); err != nil {
		return nil, fmt.Errorf("record import for %s: %w", name, err)
	}
	if stored != "" {
		slog.Info("lesson file changed since last import, lessons updated", "name", name)
	}
	slog.Info("imported lessons", "name", name, "count", len(lessons))
	return lessons, nil
}

// Parse decodes and validates a lesson file. Missing lesson IDs get a fresh
// UUID, missing question IDs and orders follow the authored position, and a
// zero reward becomes grading.DefaultPointsReward.
func Parse(data []byte) ([]model.Lesson, error) {
	var in []LessonImport
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]model.Lesson, 0, len(in))
	for i, li := range in {
		if err := validate.Struct(li); err != nil {
			return nil, fmt.Errorf("lesson %d: %w", i+1, err)
		}
		l := model.Lesson{
			ID:            li.ID,
			Title:         li.Title,
			KnowledgeBase: li.KnowledgeBase,
			PointsReward:  li.PointsReward,
			Topics:        li.Topics,
			UpdatedAt:     now,
		}
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		if l.PointsReward == 0 {
			l.PointsReward = grading.DefaultPointsReward
		}
		seen := make(map[string]bool, len(li.Questions))
		for _, qi := range li.Questions {
			if qi.ID == "" {
				continue
			}
			if seen[qi.ID] {
				return nil, fmt.Errorf("lesson %q: %w: %s", l.Title, ErrDuplicateQuestion, qi.ID)
			}
			seen[qi.ID] = true
		}
		for j, qi := range li.Questions {
			q := model.Question{
				ID:      qi.ID,
				Order:   j + 1,
				Type:    model.QuestionType(qi.Type),
				Prompt:  qi.Question,
				Options: qi.Options,
				Topics:  qi.Topics,
			}
			if q.ID == "" {
				q.ID = freeQuestionID(seen, j+1)
				seen[q.ID] = true
			}
			l.Questions = append(l.Questions, q)
		}
		if err := grading.CheckLesson(l); err != nil {
			return nil, fmt.Errorf("lesson %q: %w", l.Title, err)
		}
		out = append(out, l)
	}
	return out, nil
}

// freeQuestionID returns q<n>, or the next q<n+k> not yet taken.
func freeQuestionID(taken map[string]bool, n int) string {
	for {
		id := "q" + strconv.Itoa(n)
		if !taken[id] {
			return id
		}
		n++
	}
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
