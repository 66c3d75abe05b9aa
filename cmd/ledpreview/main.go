package main

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ledstream/lib/dmx"
	"ledstream/lib/fixture"
	"ledstream/lib/ledlog"
	"ledstream/lib/monitor"
)

//go:embed static
var staticFS embed.FS

func main() {
	addr := ":8080"
	var project, broker, prefix string
	var runAndExit []string
	mock := false

	for _, arg := range os.Args[1:] {
		switch {
		case arg == "--mock":
			mock = true
		case strings.HasPrefix(arg, "--project="):
			project = strings.TrimPrefix(arg, "--project=")
		case strings.HasPrefix(arg, "--broker="):
			broker = strings.TrimPrefix(arg, "--broker=")
		case strings.HasPrefix(arg, "--prefix="):
			prefix = strings.TrimPrefix(arg, "--prefix=")
		case strings.HasPrefix(arg, "--run-and-exit="):
			runAndExit = strings.Fields(strings.TrimPrefix(arg, "--run-and-exit="))
		default:
			addr = arg
		}
	}

	ledlog.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	layout, err := loadLayout(project)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading project: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := NewHub()
	defer hub.Close()
	v := newViewer(hub, layout)

	switch {
	case broker != "":
		mon, err := monitor.Connect(monitor.Config{Broker: broker, TopicPrefix: prefix})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer mon.Close()
		if err := v.follow(mon.Client(), prefix); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case mock:
		go v.runMock(ctx, 50*time.Millisecond)
	default:
		fmt.Fprintln(os.Stderr, "Error: need --broker=host:port or --mock")
		os.Exit(1)
	}

	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(sub)))
	mux.Handle("/ws", hub)
	mux.HandleFunc("/api/layout", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, layout)
	})
	mux.HandleFunc("/api/patch", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, dmx.Patch(layout.Fixtures))
	})

	if len(runAndExit) > 0 {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		srv := &http.Server{Handler: mux}
		go srv.Serve(ln)

		cmd := exec.Command(runAndExit[0], runAndExit[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmdErr := cmd.Run()
		srv.Shutdown(context.Background())
		if cmdErr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", cmdErr)
			os.Exit(1)
		}
		return
	}

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	fmt.Printf("Listening on %s\n", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadLayout reads the project, or builds a demo grid when path is empty.
func loadLayout(path string) (*fixture.Layout, error) {
	if path == "" {
		return fixture.GenerateGrid(4, 6, 30), nil
	}
	return fixture.LoadProject(path)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
