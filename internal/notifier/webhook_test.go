package notifier_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeostudio/project_downloader/internal/ledger"
	"github.com/xeostudio/project_downloader/internal/notifier"
)

func TestNotifyPostsEventJSON(t *testing.T) {
	var received ledger.Event

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer ts.Close()

	n := &notifier.WebhookNotifier{WebhookURL: ts.URL}

	event := ledger.Event{
		Timestamp: time.Now().UTC(),
		Project:   "tool",
		URL:       "https://host/tool.zip",
		Outcome:   ledger.OutcomeFailed,
		Reason:    "integrity_mismatch",
	}
	require.NoError(t, n.Notify(context.Background(), event))

	assert.Equal(t, "tool", received.Project)
	assert.Equal(t, ledger.OutcomeFailed, received.Outcome)
	assert.Equal(t, "integrity_mismatch", received.Reason)
}

func TestNotifyRejectsBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	n := &notifier.WebhookNotifier{WebhookURL: ts.URL}

	err := n.Notify(context.Background(), ledger.Event{Project: "p"})
	assert.Error(t, err)
}

func TestNotifyRequiresURL(t *testing.T) {
	n := &notifier.WebhookNotifier{}

	assert.Error(t, n.Notify(context.Background(), ledger.Event{}))
}
