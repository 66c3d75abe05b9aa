// Package bridge streams ArtNet packets to the UDP relay over a websocket.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ledstream/lib/artnet"
	"ledstream/lib/dmx"
	"ledstream/lib/ledlog"
)

const (
	DefaultURL            = "ws://127.0.0.1:8081/artnet"
	DefaultMinInterval    = 22 * time.Millisecond
	DefaultReconnectDelay = 3 * time.Second
	DefaultMaxPending     = 64 * 1024

	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
	outboxLength = 1024
)

var (
	ErrNotConnected = errors.New("bridge: not connected")
	ErrRateLimited  = errors.New("bridge: send interval not elapsed")
	ErrBackpressure = errors.New("bridge: too many unsent bytes, frame dropped")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Status struct {
	State     State
	Connected bool
	Err       error
}

type Config struct {
	URL        string
	TargetHost string
	TargetPort int
	Enabled    bool

	MinInterval    time.Duration
	ReconnectDelay time.Duration
	MaxPending     int
}

func (c *Config) setDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.TargetPort == 0 {
		c.TargetPort = artnet.Port
	}
	if c.MinInterval == 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
}

// link is one live websocket connection and its writer queue.
type link struct {
	conn   *websocket.Conn
	outbox chan []byte
	done   chan struct{}
}

// Session owns the relay connection, the ArtNet sequence counter and the
// reconnect timer. Sends never block on the network: packets are queued for
// a writer goroutine and failures arrive through Subscribe.
type Session struct {
	cfg    Config
	id     string
	dialer *websocket.Dialer
	seq    artnet.Sequence
	now    func() time.Time

	pending atomic.Int64
	dials   atomic.Int64

	mu       sync.Mutex
	state    State
	link     *link
	desired  bool
	closed   bool
	timer    *time.Timer
	cancel   context.CancelFunc
	lastSend time.Time
	dropping bool
	lastErr  error
	subs     map[int]chan Status
	nextSub  int
}

func NewSession(cfg Config) *Session {
	cfg.setDefaults()
	return &Session{
		cfg:    cfg,
		id:     uuid.New().String(),
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		now:    time.Now,
		subs:   map[int]chan Status{},
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	return Status{State: s.state, Connected: s.state == Connected, Err: s.lastErr}
}

// Subscribe returns a channel of status changes. Slow readers miss updates
// rather than stalling the session. Call the returned func to unsubscribe.
func (s *Session) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 16)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.statusLocked()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Session) setStateLocked(st State, err error) {
	s.state = st
	s.lastErr = err
	status := s.statusLocked()
	for _, ch := range s.subs {
		select {
		case ch <- status:
		default:
		}
	}
}

// Connect marks the connection as wanted and starts dialing in the
// background. It retries every ReconnectDelay until Disconnect or Close.
func (s *Session) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		ledlog.Logger().Info("bridge: disabled, not connecting")
		return
	}
	if s.closed {
		return
	}
	s.desired = true
	if s.state == Disconnected && s.timer == nil {
		s.dialLocked()
	}
}

func (s *Session) dialLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.setStateLocked(Connecting, nil)
	s.dials.Add(1)
	go s.dial(ctx)
}

func (s *Session) dial(ctx context.Context) {
	header := http.Header{}
	header.Set("X-Ledstream-Session", s.id)
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, header)

	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil || !s.desired {
		if conn != nil {
			conn.Close()
		}
		return
	}
	s.cancel = nil
	if err != nil {
		ledlog.Logger().Warn("bridge: dial failed", "url", s.cfg.URL, "err", err)
		s.setStateLocked(Disconnected, fmt.Errorf("bridge: dial %s: %w", s.cfg.URL, err))
		s.scheduleReconnectLocked()
		return
	}

	l := &link{
		conn:   conn,
		outbox: make(chan []byte, outboxLength),
		done:   make(chan struct{}),
	}
	s.link = l
	s.lastSend = time.Time{}
	s.dropping = false
	s.setStateLocked(Connected, nil)
	ledlog.Logger().Info("bridge: connected", "url", s.cfg.URL, "session", s.id)

	go s.writeLoop(l)
	go s.readLoop(l)
}

func (s *Session) scheduleReconnectLocked() {
	if !s.desired || s.closed || s.timer != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.timer != t {
			return
		}
		s.timer = nil
		if s.desired && s.state == Disconnected {
			s.dialLocked()
		}
	})
	s.timer = t
	ledlog.Logger().Debug("bridge: reconnect scheduled", "delay", s.cfg.ReconnectDelay)
}

func (s *Session) reconnectPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// lost tears down l after a read or write failure. Only the first report
// for a link has any effect.
func (s *Session) lost(l *link, err error) {
	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return
	}
	s.link = nil
	close(l.done)
	ledlog.Logger().Warn("bridge: connection lost", "err", err)
	s.setStateLocked(Disconnected, fmt.Errorf("bridge: connection lost: %w", err))
	s.scheduleReconnectLocked()
	s.mu.Unlock()

	l.conn.Close()
}

func (s *Session) readLoop(l *link) {
	for {
		if _, _, err := l.conn.ReadMessage(); err != nil {
			s.lost(l, err)
			return
		}
	}
}

func (s *Session) writeLoop(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			s.discard(l.outbox)
			return
		case msg := <-l.outbox:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := l.conn.WriteMessage(websocket.TextMessage, msg)
			s.pending.Add(-int64(len(msg)))
			if err != nil {
				s.lost(l, err)
				s.discard(l.outbox)
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.lost(l, err)
				s.discard(l.outbox)
				return
			}
		}
	}
}

func (s *Session) discard(outbox chan []byte) {
	for {
		select {
		case msg := <-outbox:
			s.pending.Add(-int64(len(msg)))
		default:
			return
		}
	}
}

// Pending returns the number of queued bytes not yet written to the socket.
func (s *Session) Pending() int {
	return int(s.pending.Load())
}

// SendFrame encodes every universe of fr with one shared sequence number and
// queues the packets. The whole frame is refused when the session is not
// connected, when it arrives more than half of MinInterval before the next
// send slot, or when more than MaxPending bytes are still unsent.
func (s *Session) SendFrame(fr *dmx.Frame) error {
	if !s.cfg.Enabled {
		return ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Connected || s.link == nil {
		return ErrNotConnected
	}
	// lastSend is the slot the previous frame was booked into. A frame up
	// to half an interval early takes the next slot.
	now := s.now()
	slot := now
	if !s.lastSend.IsZero() {
		next := s.lastSend.Add(s.cfg.MinInterval)
		if next.Sub(now) > s.cfg.MinInterval/2 {
			return ErrRateLimited
		}
		if now.Before(next) {
			slot = next
		}
	}
	if s.pending.Load() > int64(s.cfg.MaxPending) {
		if !s.dropping {
			s.dropping = true
			ledlog.Logger().Warn("bridge: backpressure, dropping frames", "pending", s.pending.Load())
			s.setStateLocked(Connected, ErrBackpressure)
		}
		return ErrBackpressure
	}
	if s.dropping {
		s.dropping = false
		ledlog.Logger().Info("bridge: backpressure cleared")
		s.setStateLocked(Connected, nil)
	}

	msgs := make([][]byte, 0, len(fr.Universes))
	seq := s.seq.Next()
	for _, u := range fr.Universes {
		pkt := artnet.Encode(seq, u.Index, u.Data[:])
		msg, err := json.Marshal(NewEnvelope(s.cfg.TargetHost, s.cfg.TargetPort, pkt))
		if err != nil {
			return fmt.Errorf("bridge: encode envelope: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if len(s.link.outbox)+len(msgs) > cap(s.link.outbox) {
		return ErrBackpressure
	}

	s.lastSend = slot
	for _, msg := range msgs {
		s.pending.Add(int64(len(msg)))
		s.link.outbox <- msg
	}
	return nil
}

// Disconnect drops the connection and cancels any pending reconnect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.desired = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	l := s.link
	s.link = nil
	if l != nil {
		close(l.done)
	}
	if s.state != Disconnected {
		ledlog.Logger().Info("bridge: disconnected", "session", s.id)
		s.setStateLocked(Disconnected, nil)
	}
	s.mu.Unlock()

	if l != nil {
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.conn.Close()
	}
}

// Close disconnects for good. Connect is a no-op afterwards.
func (s *Session) Close() error {
	s.Disconnect()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
