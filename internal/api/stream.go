package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"afterglow/internal/correlation"

	"github.com/gorilla/websocket"
)

// streamClaimWindow is how long a submission's stream waits for a websocket.
const streamClaimWindow = 30 * time.Second

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the bridge listens locally; auth is the bearer token
	},
}

// parkedStreams holds streams opened by submissions until a client connects.
type parkedStreams struct {
	window time.Duration

	mu      sync.Mutex
	streams map[string]*parked
}

type parked struct {
	stream *correlation.Stream
	timer  *time.Timer
}

func newParkedStreams(window time.Duration) *parkedStreams {
	return &parkedStreams{window: window, streams: make(map[string]*parked)}
}

func (p *parkedStreams) park(s *correlation.Stream) {
	token := s.Token()
	entry := &parked{stream: s}
	entry.timer = time.AfterFunc(p.window, func() {
		p.mu.Lock()
		if p.streams[token] == entry {
			delete(p.streams, token)
		}
		p.mu.Unlock()
		s.Close()
	})

	p.mu.Lock()
	prev := p.streams[token]
	p.streams[token] = entry
	p.mu.Unlock()

	if prev != nil {
		prev.timer.Stop()
		prev.stream.Close()
	}
}

func (p *parkedStreams) claim(token string) (*correlation.Stream, bool) {
	p.mu.Lock()
	entry, ok := p.streams[token]
	delete(p.streams, token)
	p.mu.Unlock()

	if !ok || !entry.timer.Stop() {
		return nil, false
	}
	return entry.stream, true
}

func (p *parkedStreams) closeAll() {
	p.mu.Lock()
	entries := p.streams
	p.streams = make(map[string]*parked)
	p.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.stream.Close()
	}
}

// Stream handles GET /v1/streams/{token} (websocket upgrade). It writes each
// correlated event as JSON and closes after the terminal one.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	stream, ok := h.streams.claim(token)
	if !ok {
		// Late subscriber: only events from now on.
		stream = correlation.Watch(h.ctl, token)
	}
	defer stream.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "token", token, "error", err)
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.RecordStreamOpened(r.Context())
		defer h.metrics.RecordStreamClosed(context.WithoutCancel(r.Context()))
	}

	gone := watchPeer(conn)
	for {
		select {
		case e, ok := <-stream.Events():
			if !ok {
				closeNormally(conn)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				slog.Debug("WebSocket write failed (client disconnected)", "token", token, "error", err)
				return
			}
		case <-gone:
			return
		}
	}
}

// watchPeer reads until the peer closes the connection.
func watchPeer(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return gone
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "lifecycle complete")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
