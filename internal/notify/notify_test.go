package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"sharebook/internal/db"
	"sharebook/internal/migrate"
	"sharebook/internal/notify"
	"sharebook/internal/repo"
)

var owner = notify.Recipient{UserID: "u1", Name: "Ana", Email: "ana@example.com"}

func TestOutboxStoresNotification(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	r := repo.Repo{DB: conn}
	fixed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	out := notify.Outbox{Repo: r, Now: func() time.Time { return fixed }}

	ctx := context.Background()
	require.NoError(t, out.Send(ctx, owner, notify.IntentChooseDateReminder, notify.Data{"book_title": "Dune"}))
	require.Error(t, out.Send(ctx, notify.Recipient{UserID: "u2"}, notify.IntentBookRemoved, nil))

	list, err := r.ListNotifications(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "choose_date_reminder", list[0].Intent)
	assert.Equal(t, "ana@example.com", list[0].Email)
	assert.JSONEq(t, `{"book_title":"Dune"}`, list[0].ContextJSON)
	assert.Equal(t, fixed, list[0].CreatedAt)
}

func TestWebhookSignsAndFilters(t *testing.T) {
	var mu sync.Mutex
	var got []*http.Request
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, r)
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := notify.Webhook{
		URL:     srv.URL,
		Secret:  "s3cret",
		Intents: []string{string(notify.IntentBookRemoved)},
	}
	ctx := context.Background()
	require.NoError(t, hook.Send(ctx, owner, notify.IntentChooseDateReminder, nil))
	require.NoError(t, hook.Send(ctx, owner, notify.IntentBookRemoved, notify.Data{"book_id": "b1"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "book_removed_from_showcase", got[0].Header.Get(notify.HeaderIntent))
	assert.Equal(t, "sha256="+notify.Sign("s3cret", bodies[0]), got[0].Header.Get(notify.HeaderSignature))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(bodies[0], &payload))
	assert.Equal(t, "book_removed_from_showcase", payload["intent"])
	assert.Equal(t, map[string]any{"book_id": "b1"}, payload["data"])
}

func TestWebhookReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := notify.Webhook{URL: srv.URL}.Send(context.Background(), owner, notify.IntentBookRemoved, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestMultiCombinesErrors(t *testing.T) {
	rec := &notify.Recorder{}
	boom := errors.New("boom")
	m := notify.Multi{
		notify.SinkFunc(func(context.Context, notify.Recipient, notify.Intent, notify.Data) error { return boom }),
		rec,
	}
	err := m.Send(context.Background(), owner, notify.IntentLateDonationOwner, nil)
	require.ErrorIs(t, err, boom)
	require.Len(t, rec.Sent(), 1)
	assert.Equal(t, notify.IntentLateDonationOwner, rec.Sent()[0].Intent)
}

func TestThrottledHonoursContext(t *testing.T) {
	rec := &notify.Recorder{}
	th := notify.Throttled{Sink: rec, Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)}

	require.NoError(t, th.Send(context.Background(), owner, notify.IntentBookRemoved, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, th.Send(ctx, owner, notify.IntentBookRemoved, nil))
	assert.Len(t, rec.Sent(), 1)
}
