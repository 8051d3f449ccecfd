// Package handler holds helpers shared by the gin handlers.
package handler

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/crm-outbound/pkg/errors"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// ParseID reads a UUID path parameter.
func ParseID(c *gin.Context, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		return uuid.Nil, errors.BadRequest(fmt.Sprintf("invalid %s", param), err)
	}
	return id, nil
}

// Page reads limit and offset query parameters, clamping limit to MaxLimit.
func Page(c *gin.Context) (limit, offset int, err error) {
	limit, offset = DefaultLimit, 0
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, errors.BadRequest("invalid limit", err)
		}
		if limit > MaxLimit {
			limit = MaxLimit
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errors.BadRequest("invalid offset", err)
		}
	}
	return limit, offset, nil
}

// BindJSON decodes the body into req. Failures are attached to the context
// for the validation and error middleware to render.
func BindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		_ = c.Error(errors.BadRequest("invalid request body", err))
		return false
	}
	return true
}
