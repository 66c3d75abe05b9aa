package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"ledstream/lib/artnet"
	"ledstream/lib/dmx"
)

func setupTest(t *testing.T, cfg Config) (*MockRelay, *Session) {
	t.Helper()
	relay, err := NewMockRelay()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { relay.Close() })

	cfg.URL = relay.URL()
	cfg.Enabled = true
	if cfg.TargetHost == "" {
		cfg.TargetHost = "10.0.0.5"
	}
	s := NewSession(cfg)
	t.Cleanup(func() { s.Close() })

	// Each send looks like it happens a second after the previous one.
	clock := time.Unix(0, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return relay, s
}

func waitState(t *testing.T, ch <-chan Status, want State) Status {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-ch:
			if st.State == want {
				return st
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", want)
		}
	}
}

func waitEnvelopes(t *testing.T, relay *MockRelay, n int) []Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if env := relay.Envelopes(); len(env) >= n {
			return env
		}
		select {
		case <-relay.Received():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d envelopes, got %d", n, len(relay.Envelopes()))
		}
	}
}

func testFrame(indexes ...int) *dmx.Frame {
	fr := &dmx.Frame{}
	for _, idx := range indexes {
		u := &dmx.Universe{Index: idx}
		u.Data[0] = byte(idx + 1)
		fr.Universes = append(fr.Universes, u)
	}
	return fr
}

func connect(t *testing.T, s *Session) <-chan Status {
	t.Helper()
	ch, unsub := s.Subscribe()
	t.Cleanup(unsub)
	s.Connect()
	waitState(t, ch, Connected)
	return ch
}

func TestEnvelopeWireFormat(t *testing.T) {
	msg, err := json.Marshal(NewEnvelope("10.0.0.5", 6454, []byte{0, 80, 255}))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"broadcast-artnet","host":"10.0.0.5","port":6454,"data":[0,80,255]}`
	if string(msg) != want {
		t.Errorf("got %s, want %s", msg, want)
	}
}

func TestDecodeEnvelopeRejects(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"type":"other"}`)); err == nil {
		t.Error("expected error for wrong type")
	}
	env, err := DecodeEnvelope([]byte(`{"type":"broadcast-artnet","data":[1,300]}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Packet(); err == nil {
		t.Error("expected error for out of range byte")
	}
}

func TestSendFrame(t *testing.T) {
	relay, s := setupTest(t, Config{TargetPort: 6455})
	connect(t, s)

	if err := s.SendFrame(testFrame(0, 1, 5)); err != nil {
		t.Fatal(err)
	}
	env := waitEnvelopes(t, relay, 3)

	var seq uint8
	for i, idx := range []int{0, 1, 5} {
		e := env[i]
		if e.Host != "10.0.0.5" || e.Port != 6455 {
			t.Errorf("got %s:%d, want 10.0.0.5:6455", e.Host, e.Port)
		}
		buf, err := e.Packet()
		if err != nil {
			t.Fatal(err)
		}
		pkt, err := artnet.Parse(buf)
		if err != nil {
			t.Fatal(err)
		}
		if pkt.Universe != idx || pkt.Data[0] != byte(idx+1) || len(pkt.Data) != 512 {
			t.Errorf("envelope %d: got universe %d first %d len %d", i, pkt.Universe, pkt.Data[0], len(pkt.Data))
		}
		if i == 0 {
			seq = pkt.Sequence
		} else if pkt.Sequence != seq {
			t.Errorf("envelope %d: sequence %d, want shared %d", i, pkt.Sequence, seq)
		}
	}

	if err := s.SendFrame(testFrame(0)); err != nil {
		t.Fatal(err)
	}
	env = waitEnvelopes(t, relay, 4)
	buf, _ := env[3].Packet()
	if buf[12] != seq+1 {
		t.Errorf("next frame sequence: got %d, want %d", buf[12], seq+1)
	}
}

func TestRateLimit(t *testing.T) {
	_, s := setupTest(t, Config{MinInterval: 22 * time.Millisecond})
	connect(t, s)

	now := time.Unix(100, 0)
	s.now = func() time.Time { return now }

	if err := s.SendFrame(testFrame(0)); err != nil {
		t.Fatal(err)
	}
	now = now.Add(10 * time.Millisecond)
	if err := s.SendFrame(testFrame(0)); !errors.Is(err, ErrRateLimited) {
		t.Errorf("got %v, want ErrRateLimited", err)
	}
	now = now.Add(12 * time.Millisecond)
	if err := s.SendFrame(testFrame(0)); err != nil {
		t.Errorf("after interval: %v", err)
	}
}

func TestRateLimitAbsorbsJitter(t *testing.T) {
	_, s := setupTest(t, Config{MinInterval: 22 * time.Millisecond})
	connect(t, s)

	start := time.Unix(100, 0)
	now := start
	s.now = func() time.Time { return now }

	for i, at := range []time.Duration{
		0,
		30 * time.Millisecond, // late tick
		45 * time.Millisecond, // 7ms before the next slot
		68 * time.Millisecond,
		90 * time.Millisecond,
	} {
		now = start.Add(at)
		if err := s.SendFrame(testFrame(0)); err != nil {
			t.Errorf("send %d at %v: %v", i, at, err)
		}
	}
	// The last frame took the 96ms slot, so a send at 92ms is refused.
	now = start.Add(92 * time.Millisecond)
	if err := s.SendFrame(testFrame(0)); !errors.Is(err, ErrRateLimited) {
		t.Errorf("got %v, want ErrRateLimited", err)
	}
}

func TestRateLimitAtTransmitRate(t *testing.T) {
	_, s := setupTest(t, Config{})
	connect(t, s)
	s.now = time.Now

	ticker := time.NewTicker(time.Second / 44)
	defer ticker.Stop()
	start := time.Now()
	var ticks, sent, limited int
	for range 44 {
		<-ticker.C
		ticks++
		// Every other tick wakes late, as it does with a busy sample pool.
		if ticks%2 == 0 {
			time.Sleep(4 * time.Millisecond)
		}
		switch err := s.SendFrame(testFrame(0)); {
		case err == nil:
			sent++
		case errors.Is(err, ErrRateLimited):
			limited++
		default:
			t.Fatal(err)
		}
	}
	elapsed := time.Since(start)

	if limited > 2 {
		t.Errorf("got %d of %d ticks rate limited", limited, ticks)
	}
	if ceiling := int(elapsed/DefaultMinInterval) + 1; sent > ceiling {
		t.Errorf("sent %d frames in %v, want at most %d", sent, elapsed, ceiling)
	}
}

func TestBackpressureDropsWholeFrame(t *testing.T) {
	relay, s := setupTest(t, Config{})
	ch := connect(t, s)

	s.pending.Add(DefaultMaxPending + 1)
	if err := s.SendFrame(testFrame(0, 1)); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("got %v, want ErrBackpressure", err)
	}
	if st := waitState(t, ch, Connected); !errors.Is(st.Err, ErrBackpressure) {
		t.Errorf("status err: got %v, want ErrBackpressure", st.Err)
	}

	// Drained: sending resumes.
	s.pending.Add(-(DefaultMaxPending + 1))
	if err := s.SendFrame(testFrame(0, 1)); err != nil {
		t.Fatal(err)
	}
	env := waitEnvelopes(t, relay, 2)
	if len(env) != 2 {
		t.Errorf("got %d envelopes, want only the second frame's 2", len(env))
	}
	deadline := time.Now().Add(5 * time.Second)
	for s.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Pending() != 0 {
		t.Errorf("got %d pending bytes after drain, want 0", s.Pending())
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	_, s := setupTest(t, Config{})
	if err := s.SendFrame(testFrame(0)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}

func TestDisabled(t *testing.T) {
	s := NewSession(Config{Enabled: false})
	s.Connect()
	if st := s.Status(); st.State != Disconnected {
		t.Errorf("got %v, want disconnected", st.State)
	}
	if err := s.SendFrame(testFrame(0)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}

func TestReconnectOnce(t *testing.T) {
	relay, s := setupTest(t, Config{ReconnectDelay: 100 * time.Millisecond})
	ch := connect(t, s)

	relay.DropAll()
	st := waitState(t, ch, Disconnected)
	if st.Err == nil || !strings.Contains(st.Err.Error(), "connection lost") {
		t.Errorf("got err %v, want connection lost", st.Err)
	}
	if !s.reconnectPending() {
		t.Fatal("no reconnect scheduled")
	}

	// A second report for the same dead link must not schedule another timer.
	s.mu.Lock()
	timer := s.timer
	s.mu.Unlock()
	s.lost(&link{}, errors.New("again"))
	s.mu.Lock()
	same := s.timer == timer
	s.mu.Unlock()
	if !same {
		t.Error("duplicate close replaced the reconnect timer")
	}

	waitState(t, ch, Connected)
	time.Sleep(300 * time.Millisecond)
	if got := s.dials.Load(); got != 2 {
		t.Errorf("got %d dials, want 2", got)
	}
	if got := relay.Accepted(); got != 2 {
		t.Errorf("relay accepted %d sessions, want 2", got)
	}
}

func TestRetryUntilRelayAccepts(t *testing.T) {
	relay, s := setupTest(t, Config{ReconnectDelay: 50 * time.Millisecond})
	relay.SetReject(true)

	ch, unsub := s.Subscribe()
	t.Cleanup(unsub)
	s.Connect()
	waitState(t, ch, Disconnected)
	time.Sleep(120 * time.Millisecond)

	relay.SetReject(false)
	waitState(t, ch, Connected)
	if got := s.dials.Load(); got < 2 {
		t.Errorf("got %d dials, want retries", got)
	}
}

func TestDisconnectCancelsRetry(t *testing.T) {
	relay, s := setupTest(t, Config{ReconnectDelay: 50 * time.Millisecond})
	ch := connect(t, s)

	relay.DropAll()
	waitState(t, ch, Disconnected)
	s.Disconnect()
	if s.reconnectPending() {
		t.Fatal("reconnect still pending after Disconnect")
	}

	time.Sleep(200 * time.Millisecond)
	if got := s.dials.Load(); got != 1 {
		t.Errorf("got %d dials, want 1", got)
	}
	if st := s.Status(); st.State != Disconnected {
		t.Errorf("got %v, want disconnected", st.State)
	}
}

func TestManualDisconnect(t *testing.T) {
	relay, s := setupTest(t, Config{ReconnectDelay: 50 * time.Millisecond})
	ch := connect(t, s)

	s.Disconnect()
	st := waitState(t, ch, Disconnected)
	if st.Err != nil {
		t.Errorf("manual disconnect reported %v", st.Err)
	}
	time.Sleep(150 * time.Millisecond)
	if relay.Accepted() != 1 {
		t.Errorf("got %d sessions, want no reconnect", relay.Accepted())
	}

	// Connecting again is allowed after a manual disconnect.
	s.Connect()
	waitState(t, ch, Connected)
}

func TestUnsubscribe(t *testing.T) {
	_, s := setupTest(t, Config{})
	ch, unsub := s.Subscribe()
	<-ch
	unsub()
	unsub()

	s.Connect()
	time.Sleep(100 * time.Millisecond)
	select {
	case st := <-ch:
		t.Errorf("got %v after unsubscribe", st)
	default:
	}
}

func TestStateString(t *testing.T) {
	var buf bytes.Buffer
	for _, st := range []State{Disconnected, Connecting, Connected} {
		buf.WriteString(st.String() + " ")
	}
	if got := buf.String(); got != "disconnected connecting connected " {
		t.Errorf("got %q", got)
	}
}
