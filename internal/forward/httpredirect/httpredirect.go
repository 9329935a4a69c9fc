// Package httpredirect implements a minimal HTTP-to-HTTPS redirector: a TCP
// listener that reads a raw HTTP/1.x request, extracts its Host header, and
// replies with a fixed 301 redirect to the https scheme. It never dials any
// upstream and ignores a rule's targets entirely.
package httpredirect

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/nodepeer/relay/internal/metrics"
)

// readLimit bounds how much of the request line/headers is read before
// giving up on finding a Host header.
const readLimit = 1024

// Forwarder accepts raw HTTP connections and redirects them to https.
type Forwarder struct {
	ruleName   string
	listenAddr string
	logger     zerolog.Logger

	ln      net.Listener
	running atomic.Bool
	wg      sync.WaitGroup
}

// New builds a Forwarder bound to no socket yet.
func New(ruleName, listenAddr string, logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		ruleName:   ruleName,
		listenAddr: listenAddr,
		logger:     logger.With().Str("rule", ruleName).Str("proto", "http").Logger(),
	}
}

// Start binds the listen socket and spawns the accept loop.
func (f *Forwarder) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", f.listenAddr)
	if err != nil {
		return err
	}

	f.ln = ln
	f.running.Store(true)

	f.wg.Add(1)

	go f.acceptLoop()

	return nil
}

// Addr returns the bound listen address. Only meaningful after Start.
func (f *Forwarder) Addr() string {
	if f.ln == nil {
		return ""
	}

	return f.ln.Addr().String()
}

// Stop closes the listen socket and waits for in-flight connections.
func (f *Forwarder) Stop() {
	f.running.Store(false)

	if f.ln != nil {
		_ = f.ln.Close()
	}

	f.wg.Wait()
}

// IsRunning reports whether the accept loop is active.
func (f *Forwarder) IsRunning() bool {
	return f.running.Load()
}

func (f *Forwarder) acceptLoop() {
	defer f.wg.Done()

	for f.running.Load() {
		conn, err := f.ln.Accept()
		if err != nil {
			if f.running.Load() {
				f.logger.Warn().Err(err).Msg("accept failed")
			}

			return
		}

		f.wg.Add(1)

		go f.handleConn(conn)
	}
}

func (f *Forwarder) handleConn(conn net.Conn) {
	defer f.wg.Done()
	defer conn.Close()

	host, ok := readHost(conn)
	if !ok {
		return
	}

	resp := fmt.Sprintf(
		"HTTP/1.1 301 Moved Permanently\r\nLocation: https://%s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n",
		host,
	)

	_, _ = conn.Write([]byte(resp))
	metrics.HTTPRedirectsTotal.WithLabelValues(f.ruleName).Inc()
}

// readHost reads up to readLimit bytes and returns the first Host header's
// value, trimmed. Returns ok=false if no Host header is found within the
// limit.
func readHost(conn net.Conn) (string, bool) {
	r := bufio.NewReaderSize(io.LimitReader(conn, readLimit), readLimit)

	for {
		line, err := r.ReadString('\n')
		if line == "" && err != nil {
			return "", false
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			return "", false
		}

		name, value, found := strings.Cut(trimmed, ":")
		if found && strings.EqualFold(strings.TrimSpace(name), "host") {
			return strings.TrimSpace(value), true
		}

		if err != nil {
			return "", false
		}
	}
}
