package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"SynthFM/core/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		errs.ErrInvalidInput:       http.StatusBadRequest,
		errs.ErrUnauthorized:       http.StatusUnauthorized,
		errs.ErrForbidden:          http.StatusForbidden,
		errs.ErrNotFound:           http.StatusNotFound,
		errs.ErrDuplicateResource:  http.StatusConflict,
		errs.ErrStorageUnavailable: http.StatusServiceUnavailable,
		errs.ErrTransformFailure:   http.StatusInternalServerError,
		errors.New("boom"):         http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}

func TestWriteErrorHidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/songs", nil)
	writeError(rec, req, errors.New("dial tcp 10.0.0.1:3306: refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"message":"Internal server error"}`, rec.Body.String())
}

func TestWriteErrorHidesStorageDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/songs/1", nil)
	err := fmt.Errorf("%w: get 1/a.mid: dial tcp 10.0.0.2:9000: connection refused", errs.ErrStorageUnavailable)
	writeError(rec, req, err)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"message":"Storage temporarily unavailable"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "10.0.0.2")
}

func TestWriteErrorKeepsClientMessages(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/songs", nil)
	writeError(rec, req, fmt.Errorf("%w: file is empty", errs.ErrInvalidInput))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"message":"invalid input: file is empty"}`, rec.Body.String())
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/songs", nil)
	_, err := bearerToken(req)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	req.Header.Set("Authorization", "Token abc")
	_, err = bearerToken(req)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	req.Header.Set("Authorization", "Bearer abc")
	token, err := bearerToken(req)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	ws := httptest.NewRequest(http.MethodGet, "/api/events?token=xyz", nil)
	_, err = bearerToken(ws)
	assert.Error(t, err, "query token only accepted on websocket upgrades")
	ws.Header.Set("Upgrade", "websocket")
	token, err = bearerToken(ws)
	require.NoError(t, err)
	assert.Equal(t, "xyz", token)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUploadLimiter(t *testing.T) {
	assert.True(t, (*uploadLimiter)(nil).allow(1))

	l := newUploadLimiter(2)
	assert.True(t, l.allow(1))
	assert.True(t, l.allow(1))
	assert.False(t, l.allow(1))
	assert.True(t, l.allow(2))
}
