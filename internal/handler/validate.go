package handler

import (
	"errors"
	"net/http"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/couture-edu/couture/internal/i18n"
)

var (
	validate   *validator.Validate
	translator ut.Translator
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// English messages for validation errors.
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// validationReason flattens validation errors into "field: message" pairs.
func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Namespace()+": "+fe.Translate(translator))
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}

// valid writes a 400 and returns false when v fails validation.
func (h *Handler) valid(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, i18n.Td(r.Context(), "InvalidSubmission", map[string]any{"Reason": validationReason(err)}))
		return false
	}
	return true
}
