package peer

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

func TestICEStaticSTUN(t *testing.T) {
	p := NewICE(ICEConfig{STUN: []string{"stun.l.google.com:19302", "stun:stun.example.org"}})

	servers, err := p.ICEServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302", "stun:stun.example.org"}, servers[0].URLs)
}

func TestICEFetchesAndCachesTURN(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		_, _ = w.Write([]byte(`{"username":"u","password":"p","ttl":600,"uris":["turn:turn.example.org:3478"]}`))
	}))
	t.Cleanup(srv.Close)

	now := time.Unix(1000, 0)
	p := NewICE(ICEConfig{STUN: []string{"stun.example.org"}, TURNAuthURL: srv.URL, TURNKey: "key"})
	p.now = func() time.Time { return now }

	servers, err := p.ICEServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "u", servers[1].Username)
	assert.Equal(t, "p", servers[1].Credential)

	now = now.Add(4 * time.Minute)
	_, err = p.ICEServers(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	now = now.Add(2 * time.Minute)
	_, err = p.ICEServers(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestICEFallsBackToSTUN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p := NewICE(ICEConfig{STUN: []string{"stun.example.org"}, TURNAuthURL: srv.URL})

	servers, err := p.ICEServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"stun:stun.example.org"}, servers[0].URLs)
}

func TestICECancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewICE(ICEConfig{TURNAuthURL: srv.URL})

	_, err := p.ICEServers(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
