package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	configValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// FieldError is one failing field.
type FieldError struct {
	// Field is the dotted yaml path, e.g. "gossip.fanout" or "peers[1].id".
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every failing field of a Config.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid config: " + strings.Join(parts, "; ")
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks field constraints and cross-field rules. It returns a
// *ValidationError naming every problem, or nil.
func (c Config) Validate() error {
	var fields []FieldError

	if err := configValidate.Struct(c); err != nil {
		var errs validator.ValidationErrors
		if !errors.As(err, &errs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range errs {
			fields = append(fields, FieldError{Field: fieldPath(fe), Message: describe(fe)})
		}
	}

	if c.Gossip.PeerTimeout > 0 && c.Gossip.PeerTimeout <= c.Gossip.Interval {
		fields = append(fields, FieldError{
			Field:   "gossip.peer_timeout",
			Message: fmt.Sprintf("must exceed gossip.interval (%s)", c.Gossip.Interval),
		})
	}
	if c.Transport.Kind == "memory" && c.Transport.Advertise == "" {
		fields = append(fields, FieldError{
			Field:   "transport.advertise",
			Message: "required for the memory transport",
		})
	}

	seen := make(map[string]int, len(c.Peers))
	for i, p := range c.Peers {
		if p.ID == "" {
			continue
		}
		field := fmt.Sprintf("peers[%d].id", i)
		if c.Instance.ID != "" && p.ID == c.Instance.ID {
			fields = append(fields, FieldError{Field: field, Message: "must differ from instance.id"})
		}
		if first, dup := seen[p.ID]; dup {
			fields = append(fields, FieldError{
				Field:   field,
				Message: fmt.Sprintf("duplicates peers[%d].id %q", first, p.ID),
			})
			continue
		}
		seen[p.ID] = i
	}

	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// fieldPath drops the root struct name from the validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "printascii":
		return "must be printable ASCII"
	default:
		return fmt.Sprintf("failed %q", fe.Tag())
	}
}
