package admin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	r := NewRouter(NewBroadcaster())
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLiveEndpointStreamsReapEvents(t *testing.T) {
	b := NewBroadcaster()
	r := NewRouter(b)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/debug/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server goroutine a moment to register its subscription
	// before publishing -- Publish drops events with no subscriber yet.
	time.Sleep(20 * time.Millisecond)
	b.ObserveFD(42)

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"fd":42`)
}

func TestBroadcasterDropsOnFullSubscriberBuffer(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.subscribe()
	defer unsubscribe()

	for i := 0; i < 64; i++ {
		b.Publish(ReapEvent{FD: i})
	}

	assert.LessOrEqual(t, len(ch), cap(ch))
}
