// Command surfacecheck lists the attached control surfaces and prints
// their input events, for checking a rig before starting ledstream.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	colorful "github.com/lucasb-eyer/go-colorful"
	"gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"ledstream/lib/streamdeck"
	"ledstream/lib/xtouch"
)

func main() {
	defer midi.CloseDriver()

	port := "x-touch"
	if len(os.Args) > 1 {
		port = os.Args[1]
	}

	fmt.Println("MIDI input ports:")
	for _, p := range midi.GetInPorts() {
		fmt.Printf("  %s\n", p)
	}

	found := false
	if stop, err := checkXTouch(port); err != nil {
		fmt.Fprintf(os.Stderr, "x-touch: %v\n", err)
	} else {
		defer stop()
		found = true
	}

	input := make(chan streamdeck.InputEvent, 64)
	if dev, err := checkDeck(input); err != nil {
		fmt.Fprintf(os.Stderr, "stream deck: %v\n", err)
	} else {
		defer dev.Close()
		found = true
	}

	if !found {
		fmt.Fprintln(os.Stderr, "Error: no control surface found")
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case ev := <-input:
			if ev.IsEncoder() {
				fmt.Printf("deck dial %d delta %+d pressed %v\n", ev.Encoder, ev.Delta, ev.Pressed)
			} else {
				fmt.Printf("deck key %d pressed %v\n", ev.Key, ev.Pressed)
			}
		case <-sig:
			fmt.Println()
			return
		}
	}
}

func checkXTouch(port string) (func(), error) {
	in, out, err := xtouch.FindPorts(port)
	if err != nil {
		return nil, err
	}
	output, err := xtouch.NewOutput(out, xtouch.DeviceIDXTouch)
	if err != nil {
		return nil, err
	}
	for i := range uint8(8) {
		output.SetLCD(i, xtouch.LCDColor(i%7+1), "ledstrm", fmt.Sprintf("strip %d", i+1))
	}

	fmt.Printf("x-touch: listening on %s\n", in)
	return midi.ListenTo(in, func(msg midi.Message, _ int32) {
		if ev := xtouch.Decode(msg); ev != nil {
			fmt.Printf("x-touch %s\n", ev)
		}
	})
}

func checkDeck(input chan<- streamdeck.InputEvent) (*streamdeck.Device, error) {
	dev, err := streamdeck.Open(nil)
	if err != nil {
		return nil, err
	}
	m := dev.Model()
	fmt.Printf("stream deck: %s (serial %s)\n", m.Name, dev.SerialNumber())

	dev.SetBrightness(80)
	for key := range m.Keys {
		bg := colorful.Hsv(float64(key)*360/float64(m.Keys), 0.8, 0.6)
		if err := dev.SetKeyImage(key, streamdeck.TextImage(m.KeySize, bg, colorful.Color{R: 1, G: 1, B: 1}, fmt.Sprint(key))); err != nil {
			dev.Close()
			return nil, err
		}
	}

	go func() {
		if err := dev.ReadInput(input); err != nil {
			fmt.Fprintf(os.Stderr, "stream deck: %v\n", err)
		}
	}()
	return dev, nil
}
