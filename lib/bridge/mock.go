package bridge

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// MockRelay is an in-process stand-in for the UDP relay. It accepts
// websocket sessions on loopback and records every envelope it receives.
type MockRelay struct {
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*websocket.Conn
	envelopes []Envelope
	accepted  int
	notify    chan struct{}
	reject    bool
}

func NewMockRelay() (*MockRelay, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	m := &MockRelay{
		listener: ln,
		notify:   make(chan struct{}, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/artnet", m.handle)
	m.server = &http.Server{Handler: mux}
	go m.server.Serve(ln)
	return m, nil
}

func (m *MockRelay) URL() string {
	return fmt.Sprintf("ws://%s/artnet", m.listener.Addr().String())
}

func (m *MockRelay) Close() error {
	err := m.server.Close()
	m.DropAll()
	return err
}

// DropAll closes every open session without a close handshake.
func (m *MockRelay) DropAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (m *MockRelay) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

func (m *MockRelay) Envelopes() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.envelopes...)
}

// Received is signalled, without blocking, after each stored envelope.
func (m *MockRelay) Received() <-chan struct{} {
	return m.notify
}

func (m *MockRelay) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	reject := m.reject
	m.mu.Unlock()
	if reject {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.accepted++
	m.mu.Unlock()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		env, err := DecodeEnvelope(msg)
		if err != nil {
			continue
		}
		m.mu.Lock()
		m.envelopes = append(m.envelopes, *env)
		m.mu.Unlock()
		select {
		case m.notify <- struct{}{}:
		default:
		}
	}
}

// SetReject makes the relay refuse new websocket upgrades.
func (m *MockRelay) SetReject(reject bool) {
	m.mu.Lock()
	m.reject = reject
	m.mu.Unlock()
}
