// Package validator checks request DTOs against their `validate` struct tags
// and turns the first failure into a client-facing message.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/consentvault/internal/consent"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Report fields by their json names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation("purpose", func(fl validator.FieldLevel) bool {
		return consent.Purpose(fl.Field().String()).Valid()
	})
}

// Validate checks s and returns a readable error for the first failing field.
func Validate(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return fmt.Errorf("invalid validation error: %w", err)
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	first := verrs[0]
	field, param := first.Field(), first.Param()
	switch first.Tag() {
	case "required":
		return fmt.Errorf("field '%s' is required", field)
	case "email":
		return fmt.Errorf("field '%s' must be a valid email address", field)
	case "min":
		if first.Kind() == reflect.Slice {
			return fmt.Errorf("field '%s' must contain at least %s item(s)", field, param)
		}
		return fmt.Errorf("field '%s' must be at least %s characters long", field, param)
	case "max":
		return fmt.Errorf("field '%s' must be at most %s characters long", field, param)
	case "oneof":
		return fmt.Errorf("field '%s' must be one of: %s", field, param)
	case "unique":
		return fmt.Errorf("field '%s' must not contain duplicates", field)
	case "purpose":
		return fmt.Errorf("field '%s' has unknown purpose %q", field, first.Value())
	case "url":
		return fmt.Errorf("field '%s' must be a valid URL", field)
	default:
		return fmt.Errorf("field '%s' validation failed on tag '%s'", field, first.Tag())
	}
}
