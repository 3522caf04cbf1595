// Package serialmux multiplexes the line-oriented serial link to the motor
// and sensor controller brick. One reader goroutine fans each received line
// out to any number of subscribers; writers share the port under a lock.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/gridnav/internal/monitoring"
)

var logf = monitoring.Tagged("serialmux")

var (
	ErrWriteFailed = errors.New("short write to serial port")
	ErrClosed      = errors.New("serial mux closed")
)

//go:embed templates/*
var adminFS embed.FS

var consoleTemplate = template.Must(template.ParseFS(adminFS, "templates/console.html.tmpl"))

// SubscriberBuffer is the capacity of each subscriber channel. Lines arriving
// while a subscriber's buffer is full are dropped for that subscriber only.
const SubscriberBuffer = 64

// Handshake is sent by Initialize: reset the brick to a known state, then
// start streaming tacho and sensor telemetry.
var Handshake = []string{"RESET", "STREAM ON"}

// Interface is the link surface used by the brick adapter and the HTTP
// layer.
type Interface interface {
	// Subscribe returns an ID and a channel receiving every line read from
	// the port until Unsubscribe or Close.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes one newline-terminated command.
	SendCommand(string) error
	// Monitor reads lines until ctx is done or the port fails.
	Monitor(context.Context) error
	Close() error
	Initialize() error
	// AttachAdminRoutes adds a console and a live tail under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// SerialMux is the Interface over a concrete port.
type SerialMux[T Port] struct {
	port T

	subMu       sync.Mutex
	subscribers map[string]chan string
	closed      bool

	writeMu sync.Mutex
}

// NewSerialMux wraps port.
func NewSerialMux[T Port](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, SubscriberBuffer)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialize sends the Handshake commands in order.
func (s *SerialMux[T]) Initialize() error {
	for _, cmd := range Handshake {
		if err := s.SendCommand(cmd); err != nil {
			return fmt.Errorf("handshake %q: %w", cmd, err)
		}
	}
	return nil
}

func (s *SerialMux[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return fmt.Errorf("write %q: %w", strings.TrimSpace(command), err)
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor scans the port in a helper goroutine so that ctx cancellation is
// observed even while a read blocks. It returns nil on EOF or Close.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scan := bufio.NewScanner(s.port)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				scanErr <- ctx.Err()
				return
			}
		}
		scanErr <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				err := <-scanErr
				if s.isClosed() {
					return nil
				}
				return err
			}
			if !s.publish(line) {
				return nil
			}
		}
	}
}

// publish delivers line to every subscriber without blocking. It reports
// false once the mux is closed.
func (s *SerialMux[T]) publish(line string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return false
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
	return true
}

func (s *SerialMux[T]) isClosed() bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.closed
}

// Close closes every subscriber channel and then the port. Calling it again
// returns ErrClosed.
func (s *SerialMux[T]) Close() error {
	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		return ErrClosed
	}
	s.closed = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subMu.Unlock()

	logf("closing port")
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(tsweb.Debugger(mux), s)
}

// attachAdminRoutes is shared with DisabledSerialMux so both expose the same
// console.
func attachAdminRoutes(debug *tsweb.DebugHandler, s Interface) {
	debug.HandleFunc("brick-console", "send commands to the brick and tail its output", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := consoleTemplate.Execute(&buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.Copy(w, &buf)
	})

	debug.HandleSilentFunc("brick-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "sent %q\n", command)
	})

	debug.HandleSilentFunc("brick-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, lines := s.Subscribe()
		defer s.Unsubscribe(id)

		_, _ = io.WriteString(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("brick-tail.js", func(w http.ResponseWriter, r *http.Request) {
		f, err := adminFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = io.Copy(w, f)
	})
}
