package internal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBodyStrict(t *testing.T) {
	t.Run("returns exact bytes", func(t *testing.T) {
		raw := `{"event":"payment.captured",  "payload":{}}`
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(raw))
		body, err := ReadBodyStrict(httptest.NewRecorder(), req, 1024)
		require.NoError(t, err)
		assert.Equal(t, raw, string(body))
	})

	t.Run("too large", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 2048)))
		_, err := ReadBodyStrict(httptest.NewRecorder(), req, 1024)
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})

	t.Run("empty", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		_, err := ReadBodyStrict(httptest.NewRecorder(), req, 1024)
		assert.ErrorIs(t, err, ErrEmptyBody)
	})
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteError(rec, http.StatusUnauthorized, "invalid signature"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"invalid signature"}`, rec.Body.String())
}
