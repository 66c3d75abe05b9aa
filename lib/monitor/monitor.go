// Package monitor publishes bridge status, pipeline stats and live LED
// colours over MQTT.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"ledstream/lib/bridge"
	"ledstream/lib/ledlog"
	"ledstream/lib/pipeline"
	"ledstream/lib/sampler"
)

const (
	publishTimeout = 2 * time.Second
	statsPeriod    = 5 * time.Second
	framePeriod    = 100 * time.Millisecond
)

// Publisher is the part of mqtt.Client the monitor uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

type Config struct {
	Broker         string
	ClientID       string
	TopicPrefix    string
	ConnectTimeout time.Duration // default 5s
}

type Monitor struct {
	pub    Publisher
	client mqtt.Client
	prefix string
}

// Connect dials the broker and keeps reconnecting in the background.
func Connect(cfg Config) (*Monitor, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "ledstream-" + uuid.New().String()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		ledlog.Logger().Info("monitor: mqtt connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		ledlog.Logger().Warn("monitor: mqtt connection lost", "broker", cfg.Broker, "err", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		// Stop the background retry before giving up on the client.
		client.Disconnect(0)
		return nil, fmt.Errorf("monitor: connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("monitor: connect %s: %w", cfg.Broker, err)
	}

	m := New(client, cfg.TopicPrefix)
	m.client = client
	return m, nil
}

func New(pub Publisher, prefix string) *Monitor {
	if prefix == "" {
		prefix = "ledstream"
	}
	return &Monitor{pub: pub, prefix: prefix}
}

type StatusMessage struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// FrameMessage is the msgpack payload on <prefix>/frame. Colors holds four
// bytes per LED, R G B W, in sample map order.
type FrameMessage struct {
	Seq    uint64 `msgpack:"seq"`
	Time   int64  `msgpack:"time"`
	LEDs   int    `msgpack:"leds"`
	Colors []byte `msgpack:"colors"`
}

// DecodeFrame parses a <prefix>/frame payload.
func DecodeFrame(payload []byte) (*FrameMessage, error) {
	var f FrameMessage
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("monitor: decode frame: %w", err)
	}
	if len(f.Colors) != f.LEDs*4 {
		return nil, fmt.Errorf("monitor: frame has %d colour bytes for %d LEDs", len(f.Colors), f.LEDs)
	}
	return &f, nil
}

func (f *FrameMessage) RGBW() []sampler.RGBW {
	out := make([]sampler.RGBW, f.LEDs)
	for i := range out {
		c := f.Colors[i*4 : i*4+4]
		out[i] = sampler.RGBW{R: c[0], G: c[1], B: c[2], W: c[3]}
	}
	return out
}

// Subscriber is the part of mqtt.Client a viewer uses.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Follow subscribes to the frame and status topics published under prefix.
// Undecodable payloads are logged and dropped.
func Follow(sub Subscriber, prefix string, onFrame func(*FrameMessage), onStatus func(StatusMessage)) error {
	if prefix == "" {
		prefix = "ledstream"
	}
	subs := map[string]mqtt.MessageHandler{
		prefix + "/frame": func(_ mqtt.Client, msg mqtt.Message) {
			f, err := DecodeFrame(msg.Payload())
			if err != nil {
				ledlog.Logger().Debug("monitor: bad frame", "err", err)
				return
			}
			onFrame(f)
		},
		prefix + "/status": func(_ mqtt.Client, msg mqtt.Message) {
			var st StatusMessage
			if err := json.Unmarshal(msg.Payload(), &st); err != nil {
				ledlog.Logger().Debug("monitor: bad status", "err", err)
				return
			}
			onStatus(st)
		},
	}
	for topic, handler := range subs {
		token := sub.Subscribe(topic, 0, handler)
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("monitor: subscribe %s: timeout", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("monitor: subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Client returns the underlying MQTT client, or nil for monitors built
// with New.
func (m *Monitor) Client() mqtt.Client {
	return m.client
}

func (m *Monitor) publish(topic string, retained bool, payload []byte) error {
	token := m.pub.Publish(m.prefix+"/"+topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("monitor: publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("monitor: publish %s: %w", topic, err)
	}
	return nil
}

func (m *Monitor) PublishStatus(st bridge.Status) error {
	msg := StatusMessage{State: st.State.String(), Connected: st.Connected}
	if st.Err != nil {
		msg.Error = st.Err.Error()
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return m.publish("status", true, buf)
}

func (m *Monitor) PublishStats(st pipeline.Stats) error {
	buf, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return m.publish("stats", false, buf)
}

func (m *Monitor) PublishFrame(s *pipeline.Snapshot) error {
	colors := make([]byte, 0, len(s.Colors)*4)
	for _, c := range s.Colors {
		colors = append(colors, c.R, c.G, c.B, c.W)
	}
	buf, err := msgpack.Marshal(&FrameMessage{
		Seq:    s.Seq,
		Time:   s.Time.UnixMilli(),
		LEDs:   len(s.Colors),
		Colors: colors,
	})
	if err != nil {
		return fmt.Errorf("monitor: encode frame: %w", err)
	}
	return m.publish("frame", false, buf)
}

// Run forwards status changes and a rate-limited stream of frames until ctx
// is done. Publish errors are logged and otherwise ignored.
func (m *Monitor) Run(ctx context.Context, status <-chan bridge.Status, frames <-chan *pipeline.Snapshot, stats func() pipeline.Stats) {
	statsTicker := time.NewTicker(statsPeriod)
	defer statsTicker.Stop()
	var lastFrame time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-status:
			if err := m.PublishStatus(st); err != nil {
				ledlog.Logger().Warn("monitor: status not published", "err", err)
			}
		case s := <-frames:
			if time.Since(lastFrame) < framePeriod {
				continue
			}
			lastFrame = time.Now()
			if err := m.PublishFrame(s); err != nil {
				ledlog.Logger().Debug("monitor: frame not published", "err", err)
			}
		case <-statsTicker.C:
			if stats == nil {
				continue
			}
			if err := m.PublishStats(stats()); err != nil {
				ledlog.Logger().Debug("monitor: stats not published", "err", err)
			}
		}
	}
}

func (m *Monitor) Close() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		ledlog.Logger().Info("monitor: mqtt disconnected")
	}
}
