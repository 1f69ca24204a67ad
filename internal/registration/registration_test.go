package registration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterSucceedsFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/admin/proxy-nodes/register", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		w.Write([]byte(`{"node_id":"node-abc"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-123", srv.Client(), 3, time.Millisecond, 5*time.Millisecond)
	resp, err := c.Register(context.Background(), Request{Name: "proxy-01", TunnelMode: true})
	require.NoError(t, err)
	assert.Equal(t, "node-abc", resp.NodeID)
}

func TestRegisterRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"node_id":"node-abc"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", srv.Client(), 5, time.Millisecond, 2*time.Millisecond)
	resp, err := c.Register(context.Background(), Request{Name: "proxy-01"})
	require.NoError(t, err)
	assert.Equal(t, "node-abc", resp.NodeID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRegisterExhaustsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", srv.Client(), 2, time.Millisecond, time.Millisecond)
	_, err := c.Register(context.Background(), Request{Name: "proxy-01"})
	assert.Error(t, err)
}

func TestUnregisterBestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/admin/proxy-nodes/unregister", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", srv.Client(), 1, time.Millisecond, time.Millisecond)
	err := c.Unregister(context.Background(), "node-abc")
	assert.NoError(t, err)
}
