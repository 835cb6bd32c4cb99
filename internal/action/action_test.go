package action

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/model"
)

func newDispatcher(sink Sink, webhook *WebhookCaller) *Dispatcher {
	d := NewDispatcher(sink, webhook, zap.NewNop())
	d.SetBackoff(time.Millisecond, 5*time.Millisecond)
	return d
}

func request(cfg model.ActionConfig) Request {
	return Request{
		TenantID: "acme",
		RunID:    "run-1",
		NodeID:   "act",
		Actor:    model.System(),
		Config:   cfg,
		Context: map[string]any{
			"ticket_id": "T-42",
			"requester": map[string]any{"email": "ann@example.com"},
		},
	}
}

func TestDispatch_Intents(t *testing.T) {
	tests := []struct {
		name  string
		cfg   model.ActionConfig
		check func(t *testing.T, i Intent)
	}{
		{
			name: "notify",
			cfg: model.ActionConfig{
				ActionType: model.ActionNotify, Channel: "email", Template: "approved",
				Recipients: []string{"{{requester.email}}"},
			},
			check: func(t *testing.T, i Intent) {
				assert.Equal(t, "email", i.Channel)
				assert.Equal(t, []string{"ann@example.com"}, i.Recipients)
			},
		},
		{
			name: "reassign",
			cfg:  model.ActionConfig{ActionType: model.ActionReassign, Assignee: "team-b"},
			check: func(t *testing.T, i Intent) {
				assert.Equal(t, "team-b", i.Assignee)
			},
		},
		{
			name: "update field",
			cfg: model.ActionConfig{
				ActionType: model.ActionUpdateField,
				Fields:     map[string]any{"status": "approved", "note": "ticket {{ticket_id}}"},
			},
			check: func(t *testing.T, i Intent) {
				assert.Equal(t, "ticket T-42", i.Fields["note"])
			},
		},
		{
			name: "add comment",
			cfg:  model.ActionConfig{ActionType: model.ActionAddComment, Comment: "Approved {{ticket_id}}", Visibility: "internal"},
			check: func(t *testing.T, i Intent) {
				assert.Equal(t, "Approved T-42", i.Comment)
				assert.Equal(t, "internal", i.Visibility)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := NewRecordingSink()
			out := newDispatcher(sink, nil).Dispatch(context.Background(), request(tt.cfg))

			require.True(t, out.Success, out.Detail)
			assert.Equal(t, 1, out.Attempts)
			intents := sink.Intents()
			require.Len(t, intents, 1)
			assert.Equal(t, tt.cfg.ActionType, intents[0].Type)
			assert.Equal(t, "run-1", intents[0].RunID)
			tt.check(t, intents[0])
		})
	}
}

func TestDispatch_RetriesThenFails(t *testing.T) {
	sink := NewRecordingSink()
	sink.FailWith(func(Intent) error { return errors.New("broker down") })

	cfg := model.ActionConfig{ActionType: model.ActionReassign, Assignee: "x", RetryCount: 2}
	out := newDispatcher(sink, nil).Dispatch(context.Background(), request(cfg))

	assert.False(t, out.Success)
	assert.Equal(t, 3, out.Attempts)
	assert.Contains(t, out.Detail, "broker down")
}

func TestDispatch_RecoversWithinRetries(t *testing.T) {
	sink := NewRecordingSink()
	var calls atomic.Int32
	sink.FailWith(func(Intent) error {
		if calls.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	})

	cfg := model.ActionConfig{ActionType: model.ActionReassign, Assignee: "x", RetryCount: 3}
	out := newDispatcher(sink, nil).Dispatch(context.Background(), request(cfg))

	assert.True(t, out.Success)
	assert.Equal(t, 2, out.Attempts)
	assert.Len(t, sink.Intents(), 1)
}

func TestDispatch_UnknownTypeNotRetried(t *testing.T) {
	cfg := model.ActionConfig{ActionType: "teleport", RetryCount: 5}
	out := newDispatcher(NewRecordingSink(), nil).Dispatch(context.Background(), request(cfg))

	assert.False(t, out.Success)
	assert.Equal(t, 1, out.Attempts)
}

func TestDispatch_Webhook(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "run-1", r.Header.Get("X-Flowdesk-Run-Id"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := model.ActionConfig{
		ActionType: model.ActionWebhook, URL: srv.URL + "/hooks/{{ticket_id}}", Method: "put",
		Payload: map[string]any{"ticket": "{{ticket_id}}"},
	}
	out := newDispatcher(NewRecordingSink(), NewWebhookCaller(nil, WebhookConfig{})).
		Dispatch(context.Background(), request(cfg))

	require.True(t, out.Success, out.Detail)
	assert.Equal(t, http.StatusOK, out.Output["status"])
	assert.Equal(t, map[string]any{"ok": true}, out.Output["body"])
	assert.Equal(t, map[string]any{"ticket": "T-42"}, got["payload"])
	assert.Equal(t, "run-1", got["run_id"])
}

func TestDispatch_WebhookStatusHandling(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantSuccess  bool
		wantAttempts int
	}{
		{"server error retried", http.StatusBadGateway, false, 3},
		{"client error permanent", http.StatusBadRequest, false, 1},
		{"throttled retried", http.StatusTooManyRequests, false, 3},
		{"accepted", http.StatusAccepted, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			cfg := model.ActionConfig{ActionType: model.ActionWebhook, URL: srv.URL, RetryCount: 2}
			caller := NewWebhookCaller(nil, WebhookConfig{Breaker: BreakerConfig{FailureThreshold: 10}})
			out := newDispatcher(NewRecordingSink(), caller).Dispatch(context.Background(), request(cfg))

			assert.Equal(t, tt.wantSuccess, out.Success)
			assert.Equal(t, tt.wantAttempts, out.Attempts)
			assert.Equal(t, int32(tt.wantAttempts), hits.Load())
		})
	}
}

func TestDispatch_WebhookNotConfigured(t *testing.T) {
	cfg := model.ActionConfig{ActionType: model.ActionWebhook, URL: "https://example.com", RetryCount: 3}
	out := newDispatcher(NewRecordingSink(), nil).Dispatch(context.Background(), request(cfg))
	assert.False(t, out.Success)
	assert.Equal(t, 1, out.Attempts)
}

func TestWebhookCaller_RejectsScheme(t *testing.T) {
	caller := NewWebhookCaller(nil, WebhookConfig{AllowedSchemes: []string{"https"}})
	_, err := caller.Call(context.Background(), "", "http://example.com/hook", "run-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestWebhookCaller_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	caller := NewWebhookCaller(nil, WebhookConfig{Breaker: BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, _ = caller.Call(ctx, "", srv.URL, "run-1", nil)
	}
	assert.Equal(t, int32(2), hits.Load())

	_, err := caller.Call(ctx, "", srv.URL, "run-1", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
