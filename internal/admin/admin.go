// Package admin exposes filed's operational debug surface: a Prometheus
// scrape endpoint and a websocket that live-tails death-queue reap
// events. Purely additive -- nothing here sits on the request hot path
// (internal/ioloop only ever calls a reap observer callback, fire and
// forget).
//
// Grounded on the teacher's websockets/go.mod, which pairs
// gin-gonic/gin with gorilla/websocket but ships no source of its own;
// the handler shape below follows gorilla/websocket's own documented
// upgrade-then-loop pattern.
package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReapEvent describes one connection the death queue closed for going
// idle past the keep-alive timeout.
type ReapEvent struct {
	FD        int       `json:"fd"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster fans reap events out to every connected /debug/live
// websocket client. A slow or stalled client never backpressures the
// loop thread that published the event: Publish drops the event for any
// subscriber whose buffer is full instead of blocking.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan ReapEvent]struct{}
}

// NewBroadcaster builds an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan ReapEvent]struct{})}
}

// Publish fans ev out to every current subscriber. Safe to call from any
// loop thread.
func (b *Broadcaster) Publish(ev ReapEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// subscribe registers a new subscriber channel and returns an unsubscribe
// function.
func (b *Broadcaster) subscribe() (chan ReapEvent, func()) {
	ch := make(chan ReapEvent, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}
}

// ObserveFD adapts Broadcaster to the func(fd int) shape
// internal/ioloop.Loop.SetReapObserver expects.
func (b *Broadcaster) ObserveFD(fd int) {
	b.Publish(ReapEvent{FD: fd, Timestamp: time.Now()})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Debug endpoint only; same-origin checks belong to a reverse proxy
	// in front of this, not here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewRouter builds the gin engine serving /debug/metrics (Prometheus) and
// /debug/live (reap-event websocket stream). Mount it on its own listener
// -- cmd/filed never serves this on the same port as the file-serving
// loops.
func NewRouter(b *Broadcaster) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/debug/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/debug/live", func(c *gin.Context) {
		serveLive(c, b)
	})
	return r
}

// serveLive upgrades the request to a websocket and streams JSON-encoded
// ReapEvents, one per line-delimited text message, until the client
// disconnects or the write fails.
func serveLive(c *gin.Context, b *Broadcaster) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, unsubscribe := b.subscribe()
	defer unsubscribe()

	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
