package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusNotFound, ErrShapeMismatch},
		{http.StatusRequestTimeout, ErrNetwork},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusInternalServerError, ErrNetwork},
		{http.StatusBadGateway, ErrNetwork},
		{http.StatusBadRequest, ErrProvider},
		{http.StatusUnprocessableEntity, ErrProvider},
	}
	for _, tc := range cases {
		e := FromStatus("openai", tc.status, "body")
		assert.Equal(t, tc.want, e.Kind, "status %d", tc.status)
		assert.Equal(t, tc.status, e.Status)
		assert.Equal(t, "openai", e.Provider)
	}
}

func TestFromStatusTruncatesBody(t *testing.T) {
	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'x'
	}
	e := FromStatus("p", 500, string(long))
	assert.Less(t, len(e.Message), 600)
	assert.Contains(t, e.Message, "...")
}

func TestFromResponseRetryAfter(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"2"}},
	}
	e := FromResponse("anthropic", resp, []byte("slow down"))
	assert.Equal(t, ErrRateLimited, e.Kind)
	assert.Equal(t, 2*time.Second, e.RetryAfter)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, 5*time.Second, ParseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-1"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("not-a-number"))

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	assert.Greater(t, d, 20*time.Second)
	assert.LessOrEqual(t, d, 30*time.Second)
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	e := WrapError(ErrNetwork, cause, "request failed")
	assert.ErrorIs(t, e, cause)

	wrapped := fmt.Errorf("attempt 2: %w", e)
	got, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrNetwork, got.Kind)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrAborted, Classify(context.Canceled))
	assert.Equal(t, ErrNetwork, Classify(context.DeadlineExceeded))
	assert.Equal(t, ErrNetwork, Classify(errors.New("dial tcp: refused")))
	assert.Equal(t, ErrRateLimited, Classify(NewError(ErrRateLimited, "429")))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewError(ErrNetwork, "x")))
	assert.True(t, IsTransient(NewError(ErrRateLimited, "x")))
	assert.False(t, IsTransient(NewError(ErrAuth, "x")))
	assert.False(t, IsTransient(NewError(ErrShapeMismatch, "x")))
	assert.False(t, IsTransient(NewError(ErrConfig, "x")))
	assert.False(t, IsTransient(NewError(ErrMalformedStream, "x")))
}
