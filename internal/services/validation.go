package services

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"table-reservations/internal/models"
)

// NewValidator reports fields by their JSON names and understands the
// "clock" tag for HH:MM times.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		_, err := models.ParseClock(fl.Field().String())
		return err == nil
	})
	return v
}

func toValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Reason: err.Error()}
	}
	fe := fieldErrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	return &ValidationError{Field: field, Reason: describeTag(fe)}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "datetime":
		return "must be YYYY-MM-DD"
	case "clock":
		return "must be HH:MM"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func validDate(field, date string) error {
	if date == "" {
		return nil
	}
	if _, err := time.Parse(models.DateFormat, date); err != nil {
		return invalid(field, "must be YYYY-MM-DD")
	}
	return nil
}
