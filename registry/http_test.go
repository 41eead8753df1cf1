package registry_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/generic"
	"github.com/warp/assessment-engine/registry"
)

func newRemote(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPReader_FetchBillable(t *testing.T) {
	// GIVEN: a remote registry that returns one billable, one zero-amount
	// and one out-of-period violation
	// WHEN: fetching January
	// THEN: the reader keeps only the billable in-period row

	var gotFrom, gotTo string
	srv := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/violations", r.URL.Path)
		gotFrom, gotTo = r.URL.Query().Get("from"), r.URL.Query().Get("to")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"violations": [
			{"id": "7", "date": "2025-01-12", "department": "Finishing",
			 "responsible_person": "Kim", "responsible_amount": "75.25",
			 "manager_person": "Lee", "manager_amount": 20},
			{"id": "8", "date": "2025-01-13", "responsible_person": "Max", "responsible_amount": "0"},
			{"id": "9", "date": "2025-02-02", "responsible_person": "Ned", "responsible_amount": "10"}
		]}`))
	})

	reader := registry.NewHTTPReader(assessment.RegistryRework, srv.URL+"/", registry.HTTPOptions{Timeout: time.Second}, nil)
	vs, err := reader.FetchBillable(context.Background(), january2025())

	require.NoError(t, err)
	assert.Equal(t, "2025-01-01", gotFrom)
	assert.Equal(t, "2025-01-31", gotTo)
	require.Len(t, vs, 1)
	assert.Equal(t, "7", vs[0].LocalID)
	assert.Equal(t, assessment.RegistryRework, vs[0].Registry)
	assert.Equal(t, "Finishing", vs[0].DepartmentHint)
	assert.True(t, vs[0].ResponsibleAmount.Equal(dec("75.25")))
	assert.True(t, vs[0].ManagerAmount.Equal(dec("20")))
	assert.Len(t, vs[0].Assignments(), 2)
}

func TestHTTPReader_ServerError_IsSourceUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	reader := registry.NewHTTPReader(assessment.RegistryComplaint, srv.URL, registry.HTTPOptions{
		Timeout:    time.Second,
		RetryCount: 1,
		RetryWait:  time.Millisecond,
	}, nil)
	_, err := reader.FetchBillable(context.Background(), january2025())

	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrSourceUnavailable))
	assert.Equal(t, int32(2), calls.Load(), "5xx responses are retried")
}

func TestHTTPReader_MalformedViolation(t *testing.T) {
	srv := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"violations": [{"id": "", "date": "2025-01-12", "responsible_person": "Kim", "responsible_amount": 5}]}`))
	})

	reader := registry.NewHTTPReader(assessment.RegistryRework, srv.URL, registry.HTTPOptions{}, nil)
	_, err := reader.FetchBillable(context.Background(), january2025())

	assert.True(t, errors.Is(err, generic.ErrSourceUnavailable))
}

func TestHTTPReader_Details(t *testing.T) {
	var gotIDs string
	srv := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/violations/details", r.URL.Path)
		gotIDs = r.URL.Query().Get("ids")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"details": {"7": {"order_number": "SO-7", "customer": "Acme", "product": "Poster", "description": "Torn"}}}`))
	})

	reader := registry.NewHTTPReader(assessment.RegistryRework, srv.URL, registry.HTTPOptions{}, nil)

	details, err := reader.Details(context.Background(), []string{"7", "8"})
	require.NoError(t, err)
	assert.Equal(t, "7,8", gotIDs)
	assert.Equal(t, "SO-7", details["7"].OrderNumber)
	_, ok := details["8"]
	assert.False(t, ok)

	empty, err := reader.Details(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
