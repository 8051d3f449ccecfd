package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/crm-outbound/pkg/errors"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestAPIKey(t *testing.T) {
	r := gin.New()
	r.Use(APIKey(map[string]string{"secret-a": "tenant-a"}))
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, OwnerID(c)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAPIKey, "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAPIKey, "secret-a")
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tenant-a", w.Body.String())
}

func TestAPIKey_OpenWithoutKeys(t *testing.T) {
	r := gin.New()
	r.Use(APIKey(nil))
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, OwnerID(c)) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, DefaultOwner, w.Body.String())
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 0.001, Burst: 2})
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(ContextOwnerID, c.GetHeader("X-Owner"))
		c.Next()
	}, rl.RateLimit())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	call := func(owner string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Owner", owner)
		return serve(r, req)
	}

	assert.Equal(t, http.StatusNoContent, call("a").Code)
	assert.Equal(t, http.StatusNoContent, call("a").Code)
	w := call("a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, call("b").Code)
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	generated := w.Header().Get(HeaderRequestID)
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "crm-web:abc_123.4")
	w = serve(r, req)
	assert.Equal(t, "crm-web:abc_123.4", w.Header().Get(HeaderRequestID))
	assert.Equal(t, "crm-web:abc_123.4", w.Body.String())

	for name, rid := range map[string]string{
		"too long":    strings.Repeat("x", 200),
		"whitespace":  "abc 123",
		"log forging": "abc\" status=200",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(HeaderRequestID, rid)
			w := serve(r, req)
			got := w.Header().Get(HeaderRequestID)
			assert.Len(t, got, 36)
			assert.NotEqual(t, rid, got)
		})
	}
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(logger.Nop()))
	r.GET("/", func(c *gin.Context) { panic("boom") })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])
}

type bindBody struct {
	URL    string   `json:"url" binding:"required,http_url"`
	Events []string `json:"events" binding:"required,min=1,dive,event_name"`
}

func errorRouter() *gin.Engine {
	r := gin.New()
	r.Use(ErrorHandler(logger.Nop()), Validation(DefaultValidationConfig()))
	r.POST("/bind", func(c *gin.Context) {
		var body bindBody
		if err := c.ShouldBindJSON(&body); err != nil {
			_ = c.Error(errors.BadRequest("invalid request body", err))
			return
		}
		c.Status(http.StatusNoContent)
	})
	r.GET("/missing", func(c *gin.Context) {
		_ = c.Error(errors.NotFound("webhook", nil))
	})
	return r
}

func TestValidation_RendersFields(t *testing.T) {
	r := errorRouter()
	req := httptest.NewRequest(http.MethodPost, "/bind", strings.NewReader(`{"url":"ftp://x","events":["Bad Event"]}`))
	req.Header.Set("Content-Type", "application/json")
	w := serve(r, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	fields, ok := body["fields"].([]interface{})
	require.True(t, ok)
	assert.Len(t, fields, 2)

	req = httptest.NewRequest(http.MethodPost, "/bind", strings.NewReader(`{"url":"https://x.io/h","events":["lead.created"]}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusNoContent, serve(r, req).Code)
}

func TestErrorHandler_MapsAppErrors(t *testing.T) {
	r := errorRouter()

	w := serve(r, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])

	req := httptest.NewRequest(http.MethodPost, "/bind", strings.NewReader(`{`))
	req.Header.Set("Content-Type", "application/json")
	w = serve(r, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotContains(t, decode(t, w), "fields")
}
