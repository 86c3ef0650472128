package sharebooksdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunJobsSendsTimeAndKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/jobs/run", r.URL.Path)
		assert.Equal(t, "2024-03-01T10:00:00Z", r.URL.Query().Get("at"))
		assert.Equal(t, "sbk_test", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"cycle_id":"c1","now":"2024-03-01T10:00:00Z","success":2,"variants":[{"task_kind":"reminder","eligible":2,"success":2}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.APIKey = "sbk_test"
	sum, err := c.RunJobs(context.Background(), time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "c1", sum.CycleID)
	assert.Equal(t, 2, sum.Success)
	require.Len(t, sum.Variants, 1)
	assert.Equal(t, "reminder", sum.Variants[0].TaskKind)
}

func TestHistoryEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "late_donation", q.Get("task_kind"))
		assert.Equal(t, "10", q.Get("limit"))
		assert.Equal(t, "42", q.Get("cursor"))
		assert.Empty(t, q.Get("outcome"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"items":[{"id":41,"task_kind":"late_donation","outcome":"success","period_key":"once"}],"next_cursor":"41"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	page, err := c.History(context.Background(), HistoryFilter{TaskKind: "late_donation", Limit: 10, Cursor: "42"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(41), page.Items[0].ID)
	assert.Equal(t, "41", page.NextCursor)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"cycle_running","message":"a cycle is already running"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).RunJobs(context.Background(), time.Time{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "cycle_running", apiErr.Code)
}
