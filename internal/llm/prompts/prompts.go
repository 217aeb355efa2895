package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

// Files holds the built-in prompt templates.
//
//go:embed templates/*.tmpl
var Files embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// maxAnswerRunes caps the learner answer forwarded to the model.
const maxAnswerRunes = 10000

// PromptVariant represents a free-text grading prompt variant.
type PromptVariant string

const (
	// PromptStrict grades professional-track lessons.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient grades introductory lessons.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce           sync.Once
	loadErr            error
	gradeTemplates     map[PromptVariant]*template.Template
	explainTemplate    *template.Template
	difficultyTemplate *template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// Prompt is a rendered system + user message pair.
type Prompt struct {
	System string
	User   string
}

// FreeTextData holds template data for free-text grading prompts.
type FreeTextData struct {
	KnowledgeBase string
	Question      string
	Answer        string
}

// ChoiceData holds template data for single-choice justifications.
type ChoiceData struct {
	KnowledgeBase string
	Question      string
	CorrectOption string
}

// DifficultyData holds template data for difficulty suggestions.
type DifficultyData struct {
	Question     string
	Topic        string
	SingleChoice bool
	Options      []string
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// Load parses prompt templates from fsys, normally Files or an os.DirFS
// pointing at a directory with the same layout. Only the first call has
// any effect.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		gradeTemplates = make(map[PromptVariant]*template.Template)
		for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
			tmpl, err := parse(fsys, "templates/grade_"+string(v)+".tmpl")
			if err != nil {
				loadErr = err
				return
			}
			gradeTemplates[v] = tmpl
		}
		if explainTemplate, loadErr = parse(fsys, "templates/explain_choice.tmpl"); loadErr != nil {
			return
		}
		difficultyTemplate, loadErr = parse(fsys, "templates/suggest_difficulty.tmpl")
	})
	return loadErr
}

func parse(fsys fs.FS, name string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, errors.New("failed to read prompt file " + name + ": " + err.Error())
	}
	tmpl, err := template.New(name).Funcs(funcs).Parse(string(content))
	if err != nil {
		return nil, errors.New("failed to parse prompt template " + name + ": " + err.Error())
	}
	for _, block := range []string{"system", "user"} {
		if tmpl.Lookup(block) == nil {
			return nil, fmt.Errorf("prompt template %s has no %q block", name, block)
		}
	}
	return tmpl, nil
}

// BuildFreeTextPrompt renders the grading prompt for a free-text answer.
func BuildFreeTextPrompt(variant PromptVariant, data FreeTextData) (Prompt, error) {
	if gradeTemplates == nil {
		return Prompt{}, errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := gradeTemplates[variant]
	if !ok {
		if loadErr != nil {
			return Prompt{}, fmt.Errorf("templates load failed: %w", loadErr)
		}
		return Prompt{}, errors.New("invalid prompt variant: " + string(variant))
	}
	data.Answer = sanitizeAnswer(data.Answer)
	return render(tmpl, data)
}

// BuildChoicePrompt renders the justification prompt for a single-choice question.
func BuildChoicePrompt(data ChoiceData) (Prompt, error) {
	if explainTemplate == nil {
		return Prompt{}, errors.New("templates not initialized: call Load first")
	}
	return render(explainTemplate, data)
}

// BuildDifficultyPrompt renders the difficulty suggestion prompt.
func BuildDifficultyPrompt(data DifficultyData) (Prompt, error) {
	if difficultyTemplate == nil {
		return Prompt{}, errors.New("templates not initialized: call Load first")
	}
	return render(difficultyTemplate, data)
}

func render(tmpl *template.Template, data any) (Prompt, error) {
	var sys, user bytes.Buffer
	if err := tmpl.ExecuteTemplate(&sys, "system", data); err != nil {
		return Prompt{}, err
	}
	if err := tmpl.ExecuteTemplate(&user, "user", data); err != nil {
		return Prompt{}, err
	}
	return Prompt{System: strings.TrimSpace(sys.String()), User: strings.TrimSpace(user.String())}, nil
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
