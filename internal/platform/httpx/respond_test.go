package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProblemDefaultsTitle(t *testing.T) {
	rr := httptest.NewRecorder()
	Problem(rr, http.StatusServiceUnavailable, "", "queue inspector unavailable")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"title":"Service Unavailable","status":503,"detail":"queue inspector unavailable"}`, rr.Body.String())
}

func TestJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	JSON(rr, http.StatusCreated, map[string]int{"n": 1})
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"n":1}`, rr.Body.String())
}
