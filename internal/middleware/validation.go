package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/crm-outbound/pkg/httputil"
	pkgvalidator "github.com/jwalitptl/crm-outbound/pkg/validator"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationConfig struct {
	CustomErrorMessages map[string]string
}

func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		CustomErrorMessages: map[string]string{
			"required":   "Field is required",
			"uuid":       "Must be a UUID",
			"min":        "Value is too short",
			"max":        "Value is too long",
			"http_url":   "Must be an http(s) URL",
			"event_name": "Must be a dotted event name or *",
		},
	}
}

// Validation installs the shared validator tags on gin's binding engine and
// renders binding errors handlers attach with c.Error as a field list.
func Validation(config ValidationConfig) gin.HandlerFunc {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		pkgvalidator.Register(v)
	}

	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		var fields []ValidationError
		for _, e := range c.Errors {
			var errs validator.ValidationErrors
			if !errors.As(e.Err, &errs) {
				continue
			}
			for _, fe := range errs {
				msg := config.CustomErrorMessages[fe.Tag()]
				if msg == "" {
					msg = fe.Error()
				}
				fields = append(fields, ValidationError{Field: fe.Field(), Message: msg})
			}
		}
		if len(fields) == 0 {
			return
		}

		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": httputil.Error{
				Code:    http.StatusBadRequest,
				Message: "validation failed",
			},
			"fields": fields,
		})
	}
}
