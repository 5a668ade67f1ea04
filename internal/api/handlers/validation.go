package handlers

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/markdave123-py/kbchat/internal/core"
)

const maxBodyBytes = 1 << 20

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// validateStruct runs struct tags and converts the first failure into a
// core.ValidationError named after the json field.
func validateStruct(s any) error {
	return toValidationError(getValidator().Struct(s), "")
}

// validateVar checks a single value against tag, reporting it as field.
func validateVar(v any, field, tag string) error {
	return toValidationError(getValidator().Var(v, tag), field)
}

func toValidationError(err error, field string) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &core.ValidationError{Field: "body", Reason: err.Error()}
	}

	fe := fieldErrs[0]
	if field == "" {
		field = jsonFieldNames[fe.Field()]
		if field == "" {
			field = fe.Field()
		}
	}
	return &core.ValidationError{Field: field, Reason: reasonFor(fe)}
}

var jsonFieldNames = map[string]string{
	"SessionID": "sessionId",
	"Message":   "message",
	"Title":     "title",
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "uuid":
		return "must be a UUID"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
