package handler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokenbay/marketd/internal/domain"
)

func TestWriteDomainErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid argument", domain.ErrInvalidArgument, http.StatusBadRequest},
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"contention", domain.ErrContention, http.StatusServiceUnavailable},
		{"conflict", domain.ErrConflict, http.StatusConflict},
		{"already listed", domain.ErrAlreadyListed, http.StatusConflict},
		{"duplicate bid", domain.ErrDuplicateBid, http.StatusConflict},
		{"orphan event", domain.ErrOrphanEvent, http.StatusUnprocessableEntity},
		{"rate limited", domain.ErrRateLimited, http.StatusTooManyRequests},
		{"unknown", fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, testLogger(), fmt.Errorf("svc: %w", tc.err))
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestWriteDomainErrorContentionSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeDomainError(rec, testLogger(), domain.ErrContention)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestWriteDomainErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeDomainError(rec, testLogger(), fmt.Errorf("pq: secret dsn leaked"))
	require.NotContains(t, rec.Body.String(), "dsn")
}

func TestParseListOptsBounds(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/listings?limit=9999&offset=-3", nil)
	opts := parseListOpts(req)
	require.Equal(t, 500, opts.Limit)
	require.Equal(t, 0, opts.Offset)
}
