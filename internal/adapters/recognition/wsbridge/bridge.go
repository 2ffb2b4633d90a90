// Package wsbridge provides speech recognition backed by a host page that
// runs the recognizer and relays its events over a websocket.
//
// Server to host frames:
//
//	{"type":"start","id":"<recognition id>"}
//	{"type":"stop","id":"<recognition id>"}
//
// Host to server frames:
//
//	{"type":"result","id":"...","segments":[{"text":"hello","final":true}]}
//	{"type":"error","id":"...","code":"not-allowed"}
//	{"type":"end","id":"..."}
package wsbridge

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

const (
	// Time allowed to write a frame to the host.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the host.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 << 10
)

// ErrNoHost is returned when no recognition host is connected.
var ErrNoHost = errors.New("no speech recognition host connected")

type frame struct {
	Type     string           `json:"type"`
	ID       string           `json:"id"`
	Segments []domain.Segment `json:"segments,omitempty"`
	Code     string           `json:"code,omitempty"`
}

// Bridge is a domain.Recognizer served by at most one host connection at a
// time. A new host replaces the previous one.
type Bridge struct {
	upgrader websocket.Upgrader

	mu        sync.Mutex
	host      *hostConn
	listeners map[string]domain.RecognitionListener
}

func New() *Bridge {
	return &Bridge{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		listeners: make(map[string]domain.RecognitionListener),
	}
}

// Connected reports whether a host is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.host != nil
}

// ServeHTTP upgrades the request and serves the host until it disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.LoggerFromContext(r.Context()).Warn("recognition host upgrade failed", "err", err)
		return
	}
	h := &hostConn{conn: conn, done: make(chan struct{})}

	b.mu.Lock()
	prev := b.host
	b.host = h
	b.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	observability.LoggerFromContext(r.Context()).Info("recognition host connected")

	go h.pingLoop()
	b.readLoop(h)
}

func (b *Bridge) readLoop(h *hostConn) {
	defer b.detach(h)

	h.conn.SetReadLimit(maxFrameSize)
	_ = h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		return h.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f frame
		if err := h.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				observability.Logger().Warn("recognition host read failed", "err", err)
			}
			return
		}
		b.dispatch(f)
	}
}

func (b *Bridge) dispatch(f frame) {
	b.mu.Lock()
	l, ok := b.listeners[f.ID]
	if ok && f.Type == "end" {
		delete(b.listeners, f.ID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	switch f.Type {
	case "result":
		l.OnResult(f.Segments)
	case "error":
		l.OnError(f.Code)
	case "end":
		l.OnEnd()
	default:
		observability.Logger().Debug("unknown recognition frame", "type", f.Type)
	}
}

// detach drops h and ends every recognition it was serving.
func (b *Bridge) detach(h *hostConn) {
	h.close()

	b.mu.Lock()
	if b.host != h {
		b.mu.Unlock()
		return
	}
	b.host = nil
	orphans := b.listeners
	b.listeners = make(map[string]domain.RecognitionListener)
	b.mu.Unlock()

	observability.Logger().Info("recognition host disconnected", "active", len(orphans))
	for _, l := range orphans {
		l.OnEnd()
	}
}

func (b *Bridge) NewRecognition(l domain.RecognitionListener) (domain.Recognition, error) {
	if !b.Connected() {
		return nil, ErrNoHost
	}
	return &recognition{bridge: b, id: uuid.NewString(), listener: l}, nil
}

func (b *Bridge) send(f frame) error {
	b.mu.Lock()
	h := b.host
	b.mu.Unlock()
	if h == nil {
		return ErrNoHost
	}
	return h.write(f)
}

type recognition struct {
	bridge   *Bridge
	id       string
	listener domain.RecognitionListener
}

func (r *recognition) Start() error {
	r.bridge.mu.Lock()
	r.bridge.listeners[r.id] = r.listener
	r.bridge.mu.Unlock()

	if err := r.bridge.send(frame{Type: "start", ID: r.id}); err != nil {
		r.forget()
		return err
	}
	return nil
}

// Stop asks the host to stop and ignores any further events.
func (r *recognition) Stop() {
	r.forget()
	if err := r.bridge.send(frame{Type: "stop", ID: r.id}); err != nil && !errors.Is(err, ErrNoHost) {
		observability.Logger().Debug("recognition stop not delivered", "id", r.id, "err", err)
	}
}

func (r *recognition) forget() {
	r.bridge.mu.Lock()
	delete(r.bridge.listeners, r.id)
	r.bridge.mu.Unlock()
}

type hostConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (h *hostConn) write(f frame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return h.conn.WriteJSON(f)
}

func (h *hostConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.writeMu.Lock()
			err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			h.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *hostConn) close() {
	h.once.Do(func() {
		close(h.done)
		_ = h.conn.Close()
	})
}
