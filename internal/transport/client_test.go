package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushSendsBearerAndBody(t *testing.T) {
	var gotAuth string
	var gotReq PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sync/push", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(PushResponse{Results: []OperationResult{
			{LocalOperation: "op-1", Success: true},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, func(ctx context.Context) (string, error) {
		return "tok-123", nil
	})
	resp, err := c.Push(context.Background(), PushRequest{
		Operations: []WireOperation{{ID: "op-1", EntityType: "note", EntityID: "n1", Operation: "insert"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Results[0].Success)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "op-1", gotReq.Operations[0].ID)
}

func TestPullQueryParams(t *testing.T) {
	since := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sync/pull", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, since.Format(time.RFC3339Nano), q.Get("since"))
		assert.Equal(t, "note,task", q.Get("entities"))
		assert.Equal(t, "true", q.Get("include_deleted"))
		json.NewEncoder(w).Encode(PullResponse{Operations: []ServerOperation{
			{EntityType: "note", EntityID: "n1", OperationType: "update", Version: 4},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	resp, err := c.Pull(context.Background(), since, []string{"note", "task"})
	require.NoError(t, err)
	require.Len(t, resp.Operations, 1)
	assert.Equal(t, int64(4), resp.Operations[0].Version)
}

func TestPullAllEntities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "all", r.URL.Query().Get("entities"))
		json.NewEncoder(w).Encode(PullResponse{})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil, nil).Pull(context.Background(), time.Time{}, nil)
	require.NoError(t, err)
}

func TestNon2xxReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil, nil).Push(context.Background(), PushRequest{})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Code)
	assert.Contains(t, statusErr.Body, "rate limited")
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProbe(srv.URL, nil)
	assert.True(t, p.CheckConnectivity(context.Background()))

	srv.Close()
	assert.False(t, p.CheckConnectivity(context.Background()))
}
