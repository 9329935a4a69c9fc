// Package tcpfwd implements a TCP forwarder: a listen socket that dials
// the current target for every accepted connection and pumps bytes
// bidirectionally until either side closes.
package tcpfwd

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodepeer/relay/internal/metrics"
)

// DialTimeout bounds dialing the target for a newly accepted connection.
const DialTimeout = 5 * time.Second

// Forwarder accepts TCP connections on one listen address and relays them
// to a live-updatable target address.
type Forwarder struct {
	ruleName   string
	listenAddr string
	bufferSize int
	logger     zerolog.Logger

	target atomic.Pointer[string]

	ln      net.Listener
	running atomic.Bool
	wg      sync.WaitGroup
}

// New builds a Forwarder bound to no socket yet; call Start to bind and
// begin accepting.
func New(ruleName, listenAddr string, bufferSize int, initialTarget string, logger zerolog.Logger) *Forwarder {
	f := &Forwarder{
		ruleName:   ruleName,
		listenAddr: listenAddr,
		bufferSize: bufferSize,
		logger:     logger.With().Str("rule", ruleName).Str("proto", "tcp").Logger(),
	}
	f.target.Store(&initialTarget)

	return f
}

// Start binds the listen socket and spawns the accept loop. Bind failure is
// returned to the caller; it does not affect other rules or forwarders.
func (f *Forwarder) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", f.listenAddr)
	if err != nil {
		return err
	}

	f.ln = ln
	f.running.Store(true)

	f.wg.Add(1)

	go f.acceptLoop(ctx)

	return nil
}

// UpdateTarget atomically rewrites the address dialed for new connections.
// In-flight connections are unaffected.
func (f *Forwarder) UpdateTarget(addr string) {
	f.target.Store(&addr)
}

// Stop marks the forwarder as no longer running and closes the listen
// socket, unblocking the accept loop. Open connections finish naturally.
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

// Addr returns the bound listen address. Only meaningful after Start.
func (f *Forwarder) Addr() string {
	if f.ln == nil {
		return ""
	}

	return f.ln.Addr().String()
}

func (f *Forwarder) acceptLoop(ctx context.Context) {
	defer f.wg.Done()

	for f.running.Load() {
		conn, err := f.ln.Accept()
		if err != nil {
			if f.running.Load() {
				f.logger.Warn().Err(err).Msg("accept failed")
			}

			return
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		f.wg.Add(1)

		go f.handleConn(ctx, conn)
	}
}

func (f *Forwarder) handleConn(ctx context.Context, client net.Conn) {
	defer f.wg.Done()
	defer client.Close()

	target := *f.target.Load()
	if target == "" {
		metrics.TCPConnectionsTotal.WithLabelValues(f.ruleName, "no_target").Inc()

		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	upstream, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", target)

	cancel()

	if err != nil {
		f.logger.Debug().Err(err).Str("target", target).Msg("dial failed")
		metrics.TCPConnectionsTotal.WithLabelValues(f.ruleName, "dial_failed").Inc()

		return
	}

	defer upstream.Close()

	if tc, ok := upstream.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	metrics.TCPConnectionsTotal.WithLabelValues(f.ruleName, "established").Inc()
	metrics.TCPConnectionsActive.WithLabelValues(f.ruleName).Inc()

	defer metrics.TCPConnectionsActive.WithLabelValues(f.ruleName).Dec()

	f.pump(client, upstream)
}

// pump runs both directions concurrently and waits for both to finish,
// folding byte counters into the forwarder's metrics once at the end.
func (f *Forwarder) pump(client, upstream net.Conn) {
	var wg sync.WaitGroup

	var sent, received int64

	wg.Add(2) //nolint:mnd // two directions

	go func() {
		defer wg.Done()

		sent = f.copyHalf(upstream, client)
	}()

	go func() {
		defer wg.Done()

		received = f.copyHalf(client, upstream)
	}()

	wg.Wait()

	metrics.TCPBytesTotal.WithLabelValues(f.ruleName, "sent").Add(float64(sent))
	metrics.TCPBytesTotal.WithLabelValues(f.ruleName, "received").Add(float64(received))
}

// copyHalf reads from src in bufferSize chunks and writes whole chunks to
// dst, half-closing dst's write side on src EOF. Errors are not logged
// individually: a half-open failure on one pump is expected whenever the
// peer closes first.
func (f *Forwarder) copyHalf(dst io.Writer, src io.Reader) int64 {
	buf := make([]byte, f.bufferSize)

	var total int64

	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}

			total += int64(n)
		}

		if err != nil {
			if closer, ok := dst.(interface{ CloseWrite() error }); ok {
				_ = closer.CloseWrite()
			}

			if !errors.Is(err, io.EOF) {
				break
			}

			break
		}
	}

	return total
}
