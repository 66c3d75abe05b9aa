package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"ledstream/lib/bridge"
	"ledstream/lib/config"
	"ledstream/lib/dmx"
	"ledstream/lib/fixture"
	"ledstream/lib/ledlog"
	"ledstream/lib/monitor"
	"ledstream/lib/osc"
	"ledstream/lib/pipeline"
	"ledstream/lib/source"
	_ "ledstream/lib/source/gstsrc"
	"ledstream/lib/streamdeck"
	"ledstream/lib/xtouch"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	project := flag.String("project", "", "project JSON, overrides the config file")
	flag.Parse()

	if err := run(*configPath, *project); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, project string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if project != "" {
		cfg.Project = project
	}
	if cfg.Project == "" {
		return fmt.Errorf("no project file configured")
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: ledlog.ParseLevel(cfg.LogLevel)}))
	ledlog.SetLogger(log)

	layout, err := fixture.LoadProject(cfg.Project)
	if err != nil {
		return err
	}
	src, err := source.Open(cfg.SourceConfig())
	if err != nil {
		return err
	}

	session := bridge.NewSession(cfg.BridgeConfig())
	p := pipeline.New(src, session, cfg.PipelineOptions())
	// Until p.Run takes them over, the source and session are closed here.
	owned := false
	defer func() {
		if !owned {
			session.Close()
			src.Close()
		}
	}()
	setLayout := func(l *fixture.Layout) {
		p.SetLayout(l)
		p.SetBrightness(l.Brightness * cfg.Brightness)
	}
	setLayout(layout)
	log.Info("project loaded", "path", cfg.Project, "fixtures", len(layout.Fixtures), "leds", layout.LEDCount())
	for _, o := range dmx.Patch(layout.Fixtures).Overlaps {
		log.Warn("patch overlap", "a", o.A, "b", o.B, "first", o.First, "last", o.Last)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	session.Connect()

	if cfg.Watch {
		if img, ok := src.(*source.ImageSource); ok {
			wg.Go(func() {
				if err := img.Watch(ctx); err != nil {
					log.Warn("image watch stopped", "err", err)
				}
			})
		}
		wg.Go(func() {
			err := source.WatchFile(ctx, cfg.Project, func() {
				l, err := fixture.LoadProject(cfg.Project)
				if err != nil {
					log.Warn("project reload failed", "err", err)
					return
				}
				setLayout(l)
				log.Info("project reloaded", "fixtures", len(l.Fixtures), "leds", l.LEDCount())
			})
			if err != nil {
				log.Warn("project watch stopped", "err", err)
			}
		})
	}

	if cfg.OSC.Listen != "" {
		srv, err := osc.Listen(cfg.OSC.Listen)
		if err != nil {
			return err
		}
		srv.HandleControl(p, session)
		log.Info("osc listening", "addr", srv.Addr())
		wg.Go(func() {
			if err := srv.Serve(ctx); err != nil {
				log.Error("osc server stopped", "err", err)
			}
		})
	}

	if cfg.MQTT.Broker != "" {
		mon, err := monitor.Connect(monitor.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err != nil {
			log.Warn("mqtt monitor not available", "err", err)
		} else {
			defer mon.Close()
			status, unsubStatus := session.Subscribe()
			frames, unsubFrames := p.Subscribe()
			wg.Go(func() {
				defer unsubStatus()
				defer unsubFrames()
				mon.Run(ctx, status, frames, p.Stats)
			})
		}
	}

	if cfg.XTouch.Port != "" {
		defer midi.CloseDriver()
		if err := startXTouch(ctx, &wg, cfg.XTouch.Port, p, session); err != nil {
			log.Warn("x-touch not available", "err", err)
		}
	}

	if cfg.StreamDeck.Enabled {
		dev, err := streamdeck.Open(nil)
		if err != nil {
			log.Warn("stream deck not available", "err", err)
		} else {
			defer dev.Close()
			startStreamDeck(ctx, &wg, dev, p, session)
		}
	}

	owned = true
	err = p.Run(ctx)
	stop()
	wg.Wait()
	return err
}

func startXTouch(ctx context.Context, wg *sync.WaitGroup, port string, p *pipeline.Pipeline, session *bridge.Session) error {
	in, out, err := xtouch.FindPorts(port)
	if err != nil {
		return err
	}
	output, err := xtouch.NewOutput(out, xtouch.DeviceIDXTouch)
	if err != nil {
		return err
	}
	surface := xtouch.NewSurface(output, p, session)
	status, unsubStatus := session.Subscribe()
	frames, unsubFrames := p.Subscribe()
	ledlog.Logger().Info("x-touch attached", "in", in.String(), "out", out.String())
	wg.Go(func() {
		defer unsubStatus()
		defer unsubFrames()
		if err := surface.Run(ctx, in, status, frames); err != nil {
			ledlog.Logger().Warn("x-touch stopped", "err", err)
		}
	})
	return nil
}

func startStreamDeck(ctx context.Context, wg *sync.WaitGroup, dev *streamdeck.Device, p *pipeline.Pipeline, session *bridge.Session) {
	if err := dev.SetBrightness(80); err != nil {
		ledlog.Logger().Warn("stream deck brightness", "err", err)
	}
	if err := dev.ClearAllKeys(); err != nil {
		ledlog.Logger().Warn("stream deck clear", "err", err)
	}
	ledlog.Logger().Info("stream deck attached", "model", dev.Model().Name, "serial", dev.SerialNumber())

	input := make(chan streamdeck.InputEvent, 64)
	go func() {
		// Blocks in the HID read until the device is closed.
		if err := dev.ReadInput(input); err != nil {
			ledlog.Logger().Debug("stream deck input stopped", "err", err)
		}
	}()

	preview := streamdeck.NewPreview(dev, p, session)
	frames, unsubFrames := p.Subscribe()
	status, unsubStatus := session.Subscribe()
	wg.Go(func() {
		defer unsubFrames()
		defer unsubStatus()
		preview.Run(ctx, frames, status, input)
	})
}
