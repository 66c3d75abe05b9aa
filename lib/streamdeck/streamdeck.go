// Package streamdeck drives an Elgato Stream Deck over USB HID as a live
// fixture colour preview.
package streamdeck

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	xdraw "golang.org/x/image/draw"

	"rafaelmartins.com/p/usbhid"
)

const elgatoVendorID = 0x0fd9

type Model struct {
	Name     string
	Keys     int
	KeyCols  int
	KeySize  int
	FlipKeys bool
	Encoders int
}

var ModelXL = Model{
	Name:     "XL",
	Keys:     32,
	KeyCols:  8,
	KeySize:  96,
	FlipKeys: true,
}

var ModelPlus = Model{
	Name:     "Plus",
	Keys:     8,
	KeyCols:  4,
	KeySize:  120,
	Encoders: 4,
}

var productModels = map[uint16]*Model{
	0x006c: &ModelXL,
	0x008f: &ModelXL,
	0x0084: &ModelPlus,
}

type Device struct {
	dev   *usbhid.Device
	model *Model
}

// Open opens the first supported deck, or the first of model m when m is
// not nil.
func Open(m *Model) (*Device, error) {
	devices, err := usbhid.Enumerate(func(dev *usbhid.Device) bool {
		found := productModels[dev.ProductId()]
		return dev.VendorId() == elgatoVendorID && found != nil && (m == nil || found == m)
	})
	if err != nil {
		return nil, fmt.Errorf("streamdeck: enumerate: %w", err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("streamdeck: no device found")
	}

	dev := devices[0]
	if err := dev.Open(true); err != nil {
		return nil, fmt.Errorf("streamdeck: open: %w", err)
	}
	return &Device{dev: dev, model: productModels[dev.ProductId()]}, nil
}

func (d *Device) Model() *Model        { return d.model }
func (d *Device) Close() error         { return d.dev.Close() }
func (d *Device) SerialNumber() string { return d.dev.SerialNumber() }

func (d *Device) SetBrightness(perc byte) error {
	pl := make([]byte, d.dev.GetFeatureReportLength())
	pl[0] = 0x08
	pl[1] = min(perc, 100)
	return d.dev.SetFeatureReport(3, pl)
}

func (d *Device) SetKeyImage(key int, img image.Image) error {
	if key < 0 || key >= d.model.Keys {
		return fmt.Errorf("streamdeck: invalid key %d", key)
	}
	buf, err := encodeKey(img, d.model.KeySize, d.model.FlipKeys)
	if err != nil {
		return err
	}
	return d.sendKeyImage(byte(key), buf)
}

// encodeKey scales img to a key and JPEG encodes it, rotated 180 degrees
// for decks that mount the panel upside down.
func encodeKey(img image.Image, size int, flip bool) ([]byte, error) {
	scaled := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.BiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), xdraw.Over, nil)

	var src image.Image = scaled
	if flip {
		flipped := image.NewRGBA(scaled.Bounds())
		for y := range size {
			for x := range size {
				flipped.SetRGBA(size-1-x, size-1-y, scaled.RGBAAt(x, y))
			}
		}
		src = flipped
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 100}); err != nil {
		return nil, fmt.Errorf("streamdeck: encode key: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *Device) ClearAllKeys() error {
	black := TextImage(d.model.KeySize, color.Black, color.Black)
	for i := range d.model.Keys {
		if err := d.SetKeyImage(i, black); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) sendKeyImage(key byte, imgData []byte) error {
	reportLen := d.dev.GetOutputReportLength()
	payloadLen := reportLen - 8

	var page uint16
	for start := uint16(0); start < uint16(len(imgData)); page++ {
		end := start + payloadLen
		last := byte(0)
		if end >= uint16(len(imgData)) {
			end = uint16(len(imgData))
			last = 1
		}

		chunk := imgData[start:end]
		payload := make([]byte, reportLen)
		copy(payload, []byte{
			0x02,
			0x07,
			key,
			last,
			byte(len(chunk)),
			byte(len(chunk) >> 8),
			byte(page),
			byte(page >> 8),
		})
		copy(payload[8:], chunk)

		if err := d.dev.SetOutputReport(2, payload); err != nil {
			return err
		}
		start = end
	}
	return nil
}

// InputEvent carries either a key change or an encoder turn or press.
type InputEvent struct {
	Key     int
	Pressed bool
	Encoder int
	Delta   int
	Time    time.Time
}

// IsEncoder reports whether the event came from a dial.
func (e InputEvent) IsEncoder() bool {
	return e.Encoder >= 0
}

// ReadInput blocks reading input reports until the device fails.
func (d *Device) ReadInput(ch chan<- InputEvent) error {
	keys := make([]byte, d.model.Keys)
	dials := make([]byte, d.model.Encoders)
	for {
		_, buf, err := d.dev.GetInputReport()
		if err != nil {
			return fmt.Errorf("streamdeck: read: %w", err)
		}
		for _, ev := range parseInput(buf, keys, dials, time.Now()) {
			ch <- ev
		}
	}
}

// parseInput decodes one input report against the previous key and dial
// states, which it updates.
func parseInput(buf, keys, dials []byte, t time.Time) []InputEvent {
	if len(buf) < 4 {
		return nil
	}
	var out []InputEvent
	switch buf[0] {
	case 0x00:
		for i := range keys {
			if 3+i >= len(buf) {
				break
			}
			if st := buf[3+i]; st != keys[i] {
				out = append(out, InputEvent{Key: i, Pressed: st > 0, Encoder: -1, Time: t})
				keys[i] = st
			}
		}
	case 0x03:
		if len(dials) == 0 || len(buf) < 4+len(dials) {
			return nil
		}
		switch buf[3] {
		case 0x00:
			for i := range dials {
				if st := buf[4+i]; st != dials[i] {
					out = append(out, InputEvent{Key: -1, Encoder: i, Pressed: st > 0, Time: t})
					dials[i] = st
				}
			}
		case 0x01:
			for i := range dials {
				if delta := int(int8(buf[4+i])); delta != 0 {
					out = append(out, InputEvent{Key: -1, Encoder: i, Delta: delta, Time: t})
				}
			}
		}
	}
	return out
}
