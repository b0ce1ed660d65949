package validation

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is a singleton validator instance
var validate = validator.New()

// Struct checks the `validate` tags of v and reports the first failure in a
// readable form.
func Struct(v any) error {
	if v == nil {
		return errors.New("validation: nil value")
	}
	return formatValidationError(validate.Struct(v))
}

// Var checks a single value against a tag expression such as "hostname_port".
func Var(field string, value any, tag string) error {
	if err := validate.Var(value, tag); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s: %s", field, describe(verrs[0]))
		}
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

func formatValidationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	e := verrs[0]
	return fmt.Errorf("%s: %s", e.Namespace(), describe(e))
}

func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "field is required"
	case "min", "gte":
		return "must be at least " + e.Param()
	case "max", "lte":
		return "must not exceed " + e.Param()
	case "hostname_port":
		return "must be host:port"
	case "oneof":
		return "must be one of " + e.Param()
	default:
		return fmt.Sprintf("validation failed (%s)", e.Tag())
	}
}
