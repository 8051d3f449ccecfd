package validator

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator validates request and domain structs by their `validate` tags.
type Validator interface {
	Validate(interface{}) error
	ValidateField(field string, value interface{}, rules ...string) error
}

var eventNamePattern = regexp.MustCompile(`^(\*|[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+)$`)

// EventName accepts "*" or dotted lowercase names such as "lead.created".
func EventName(fl validator.FieldLevel) bool {
	return eventNamePattern.MatchString(fl.Field().String())
}

type wrapped struct {
	v *validator.Validate
}

func New() Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	Register(v)
	return &wrapped{v: v}
}

// Register installs the custom tags and json field naming on v.
func Register(v *validator.Validate) {
	_ = v.RegisterValidation("event_name", EventName)
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
}

func (w *wrapped) Validate(obj interface{}) error {
	if err := w.v.Struct(obj); err != nil {
		return humanize(err)
	}
	return nil
}

func (w *wrapped) ValidateField(field string, value interface{}, rules ...string) error {
	if err := w.v.Var(value, strings.Join(rules, ",")); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return fmt.Errorf("%s failed on %s", field, errs[0].Tag())
		}
		return err
	}
	return nil
}

func humanize(err error) error {
	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return err
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		switch e.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", e.Field()))
		case "url", "http_url":
			parts = append(parts, fmt.Sprintf("%s must be a valid URL", e.Field()))
		case "event_name":
			parts = append(parts, fmt.Sprintf("%s must be an event name or *", e.Field()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed on %s", e.Field(), e.Tag()))
		}
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}
