package osc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"ledstream/lib/ledlog"
)

const (
	AddrBrightness = "/ledstream/brightness"
	AddrBlackout   = "/ledstream/blackout"
	AddrConnect    = "/ledstream/connect"
	AddrDisconnect = "/ledstream/disconnect"
)

type HandlerFunc func(*Message) error

// Server dispatches OSC messages received over UDP by exact address.
type Server struct {
	conn net.PacketConn

	mu       sync.Mutex
	handlers map[string]HandlerFunc
}

func Listen(addr string) (*Server, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("osc: listen %s: %w", addr, err)
	}
	return &Server{conn: conn, handlers: map[string]HandlerFunc{}}, nil
}

func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Server) Handle(addr string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[addr] = h
	s.mu.Unlock()
}

// Serve reads packets until ctx is done or the socket is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("osc: read: %w", err)
		}
		s.dispatch(buf[:n], from)
	}
}

func (s *Server) dispatch(pkt []byte, from net.Addr) {
	msg, err := Decode(pkt)
	if err != nil {
		ledlog.Logger().Debug("osc: bad packet", "from", from, "err", err)
		return
	}
	s.mu.Lock()
	h := s.handlers[msg.Address]
	s.mu.Unlock()
	if h == nil {
		ledlog.Logger().Debug("osc: no handler", "addr", msg.Address, "from", from)
		return
	}
	if err := h(msg); err != nil {
		ledlog.Logger().Warn("osc: handler failed", "addr", msg.Address, "err", err)
	}
}

func (s *Server) Close() error {
	return s.conn.Close()
}

type Controller interface {
	SetBrightness(float64)
	SetBlackout(bool)
}

type Link interface {
	Connect()
	Disconnect()
}

// HandleControl registers the /ledstream/* addresses. link may be nil.
func (s *Server) HandleControl(c Controller, link Link) {
	s.Handle(AddrBrightness, func(m *Message) error {
		v, ok := m.Float(0)
		if !ok {
			return fmt.Errorf("osc: %s needs a number", m.Address)
		}
		c.SetBrightness(v)
		return nil
	})
	s.Handle(AddrBlackout, func(m *Message) error {
		v, ok := m.Float(0)
		if !ok {
			v = 1
		}
		c.SetBlackout(v != 0)
		return nil
	})
	if link == nil {
		return
	}
	s.Handle(AddrConnect, func(*Message) error {
		link.Connect()
		return nil
	})
	s.Handle(AddrDisconnect, func(*Message) error {
		link.Disconnect()
		return nil
	})
}

// Send writes one message to addr over UDP.
func Send(addr string, m *Message) error {
	pkt, err := m.Encode()
	if err != nil {
		return err
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return fmt.Errorf("osc: dial %s: %w", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write(pkt); err != nil {
		return fmt.Errorf("osc: send: %w", err)
	}
	return nil
}
