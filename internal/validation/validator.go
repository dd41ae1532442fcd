// Package validation wraps go-playground/validator with the field names and
// custom rules used by every request type in the service.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	licenseErrors "desklicense/internal/errors"
	"desklicense/internal/fingerprint"
	"desklicense/internal/keystore"
	"desklicense/internal/payload"
)

// Validator validates structs tagged with `validate`.
type Validator struct {
	validate *validator.Validate
}

var (
	defaultOnce sync.Once
	defaultV    *Validator
)

// Default returns a process-wide Validator. validator.Validate caches struct
// metadata, so sharing one instance is the intended use.
func Default() *Validator {
	defaultOnce.Do(func() { defaultV = New() })
	return defaultV
}

// New creates a Validator with the custom rules registered:
//
//	fingerprint  16 hex characters, any case
//	kid          key identifier shape accepted by the key store
//	edition      a known product tier
//	utf8         well-formed UTF-8 text
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterValidation("fingerprint", func(fl validator.FieldLevel) bool {
		_, err := fingerprint.Parse(fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("kid", func(fl validator.FieldLevel) bool {
		return keystore.ValidateKid(fl.Field().String()) == nil
	})
	v.RegisterValidation("edition", func(fl validator.FieldLevel) bool {
		return payload.Edition(fl.Field().String()).Valid()
	})
	v.RegisterValidation("utf8", func(fl validator.FieldLevel) bool {
		return utf8.ValidString(fl.Field().String())
	})

	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{validate: v}
}

// Struct validates s and returns licenseErrors.ValidationErrors on failure,
// which unwraps to ErrInvalidRequest.
func (v *Validator) Struct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", licenseErrors.ErrInvalidRequest, err)
	}

	out := make([]licenseErrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, licenseErrors.ValidationError{
			Field:   fe.Field(),
			Message: formatFieldError(fe),
		})
	}
	return licenseErrors.NewValidationErrors(out)
}

func formatFieldError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_without":
		return fmt.Sprintf("%s is required when %s is absent", field, param)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		if err.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	case "fingerprint":
		return fmt.Sprintf("%s must be exactly %d hexadecimal characters", field, fingerprint.Length)
	case "kid":
		return fmt.Sprintf("%s must be 1-64 letters, digits, '.', '_' or '-'", field)
	case "edition":
		names := make([]string, 0, 4)
		for _, e := range payload.Editions() {
			names = append(names, string(e))
		}
		return fmt.Sprintf("%s must be one of: %s", field, strings.Join(names, ", "))
	case "utf8":
		return fmt.Sprintf("%s must be valid UTF-8 text", field)
	case "uuid4":
		return fmt.Sprintf("%s must be a valid UUID", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}
