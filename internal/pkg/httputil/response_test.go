package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	NotFound(w, "run not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body.Code)
	assert.Equal(t, "run not found", body.Error)
}

func TestInternalError_HidesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	InternalError(w, errors.New("pq: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "pq:")
}

func TestPagination(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?limit=50&offset=100", nil)
	limit, offset := Pagination(r, 20, 500)
	assert.Equal(t, 50, limit)
	assert.Equal(t, 100, offset)

	r = httptest.NewRequest(http.MethodGet, "/x?limit=9999&offset=-1", nil)
	limit, offset = Pagination(r, 20, 500)
	assert.Equal(t, 500, limit)
	assert.Equal(t, 0, offset)

	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	limit, offset = Pagination(r, 20, 500)
	assert.Equal(t, 20, limit)
	assert.Equal(t, 0, offset)
}
