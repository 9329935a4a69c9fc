// Package udpfwd implements a connectionless UDP session multiplexer. One
// shared listen socket serves every client; each client gets its own
// upstream socket dialed at the current target, with a background reader
// relaying replies back through the shared socket.
package udpfwd

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nodepeer/relay/internal/metrics"
	"github.com/nodepeer/relay/internal/resolver"
)

const (
	// dnsCacheTTL bounds how long a resolved target address is trusted
	// before the main loop re-resolves it.
	dnsCacheTTL = 300 * time.Second
	// dnsCacheSize is generous: one rule rarely targets more than a handful
	// of distinct strings.
	dnsCacheSize = 64
	// returnPathBufferSize bounds a single read on a session's upstream
	// socket.
	returnPathBufferSize = 4096
	// sessionIdleTimeout evicts a session that has not sent a packet in
	// this long.
	sessionIdleTimeout = 60 * time.Second
	// cleanupInterval is how often the session table is swept for idle
	// entries.
	cleanupInterval = 30 * time.Second
	// errorBackoff throttles the main loop after a transient read error so
	// a failing socket doesn't spin a core.
	errorBackoff = 100 * time.Millisecond
)

// session tracks one client's UDP conversation with the current target.
type session struct {
	upstream   *net.UDPConn
	clientAddr *net.UDPAddr
	targetAddr atomic.Pointer[string]
	lastSeen   atomic.Int64 // unix nano
}

func (s *session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *session) idleSince() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}

// Forwarder multiplexes UDP datagrams from many clients onto a single
// live-updatable target.
type Forwarder struct {
	ruleName   string
	listenAddr string
	bufferSize int
	resolver   *resolver.Resolver
	logger     zerolog.Logger

	target atomic.Pointer[string]

	conn    *net.UDPConn
	running atomic.Bool
	wg      sync.WaitGroup

	sessions sync.Map // string -> *session
	dnsCache *lru.LRU[string, string]
	limiter  *rate.Limiter
}

// New builds a Forwarder bound to no socket yet.
func New(
	ruleName, listenAddr string, bufferSize int, initialTarget string, res *resolver.Resolver, logger zerolog.Logger,
) *Forwarder {
	f := &Forwarder{
		ruleName:   ruleName,
		listenAddr: listenAddr,
		bufferSize: bufferSize,
		resolver:   res,
		logger:     logger.With().Str("rule", ruleName).Str("proto", "udp").Logger(),
		dnsCache:   lru.NewLRU[string, string](dnsCacheSize, nil, dnsCacheTTL),
		limiter:    rate.NewLimiter(rate.Every(errorBackoff), 1),
	}
	f.target.Store(&initialTarget)

	return f
}

// Start binds the listen socket and spawns the main loop and the session
// cleaner.
func (f *Forwarder) Start(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", f.listenAddr)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}

	f.conn = conn
	f.running.Store(true)

	f.wg.Add(2) //nolint:mnd // main loop + cleaner

	go f.mainLoop(ctx)
	go f.cleanupLoop(ctx)

	return nil
}

// Addr returns the bound listen address. Only meaningful after Start.
func (f *Forwarder) Addr() string {
	if f.conn == nil {
		return ""
	}

	return f.conn.LocalAddr().String()
}

// UpdateTarget rewrites the target string the main loop resolves against.
// Existing sessions continue until they detect the mismatch on their next
// packet, or are idle-evicted.
func (f *Forwarder) UpdateTarget(target string) {
	f.target.Store(&target)
}

// Stop closes the listen socket and every session's upstream socket,
// terminating their return-path readers, then waits for the main loop and
// cleaner to exit.
func (f *Forwarder) Stop() {
	f.running.Store(false)

	if f.conn != nil {
		_ = f.conn.Close()
	}

	f.sessions.Range(func(key, value any) bool {
		sess, _ := value.(*session)
		_ = sess.upstream.Close()
		f.sessions.Delete(key)
		metrics.UDPSessionsActive.WithLabelValues(f.ruleName).Dec()

		return true
	})

	f.wg.Wait()
}

// IsRunning reports whether the main loop is active.
func (f *Forwarder) IsRunning() bool {
	return f.running.Load()
}

func (f *Forwarder) mainLoop(ctx context.Context) {
	defer f.wg.Done()

	buf := make([]byte, f.bufferSize)

	for f.running.Load() {
		n, clientAddr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if !f.running.Load() {
				return
			}

			_ = f.limiter.Wait(ctx)

			continue
		}

		f.handleDatagram(ctx, clientAddr, buf[:n])
	}
}

func (f *Forwarder) handleDatagram(ctx context.Context, clientAddr *net.UDPAddr, payload []byte) {
	targetStr := *f.target.Load()
	if targetStr == "" {
		return
	}

	resolved, ok := f.resolveCached(ctx, targetStr)
	if !ok {
		return
	}

	key := clientAddr.String()

	sessAny, _ := f.sessions.LoadOrStore(key, &session{clientAddr: clientAddr})
	sess, _ := sessAny.(*session)

	cur := sess.targetAddr.Load()
	if sess.upstream == nil || cur == nil || *cur != resolved {
		if err := f.rebind(sess, resolved); err != nil {
			f.logger.Debug().Err(err).Str("target", resolved).Msg("upstream socket bind failed")

			return
		}
	}

	sess.touch()
	metrics.UDPPacketsTotal.WithLabelValues(f.ruleName, "client_to_target").Inc()

	if _, err := sess.upstream.Write(payload); err != nil {
		f.logger.Debug().Err(err).Msg("write to upstream failed")
	}
}

// resolveCached consults the fast-path DNS cache before falling back to the
// resolver; a resolve failure silently drops the datagram.
func (f *Forwarder) resolveCached(ctx context.Context, targetStr string) (string, bool) {
	if addr, ok := f.dnsCache.Get(targetStr); ok {
		return addr, true
	}

	addr, err := f.resolver.Resolve(ctx, targetStr)
	if err != nil {
		f.logger.Debug().Err(err).Str("target", targetStr).Msg("udp target resolve failed")

		return "", false
	}

	f.dnsCache.Add(targetStr, addr)

	return addr, true
}

// rebind closes any existing upstream socket, dials a fresh one at addr,
// stores it on the session, and spawns its return-path reader.
func (f *Forwarder) rebind(sess *session, addr string) error {
	fresh := sess.upstream == nil

	if sess.upstream != nil {
		_ = sess.upstream.Close()
	}

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}

	upstream, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return err
	}

	sess.upstream = upstream
	sess.targetAddr.Store(&addr)

	if fresh {
		metrics.UDPSessionsActive.WithLabelValues(f.ruleName).Inc()
	}

	f.wg.Add(1)

	go f.returnPathReader(sess, upstream)

	return nil
}

// returnPathReader relays replies from one session's upstream socket back
// to the client through the shared listen socket. It reads from the exact
// connection it was spawned for, captured as a parameter rather than the
// session's mutable upstream field, so a rebind that swaps in a new
// connection doesn't hand this goroutine's next Read call to the wrong
// socket — it exits naturally when ITS OWN upstream socket is closed
// (session eviction, rebind, or Stop), even while a newer reader for the
// same session keeps running.
func (f *Forwarder) returnPathReader(sess *session, upstream *net.UDPConn) {
	defer f.wg.Done()

	buf := make([]byte, returnPathBufferSize)

	for {
		n, err := upstream.Read(buf)
		if err != nil {
			return
		}

		if _, werr := f.conn.WriteToUDP(buf[:n], sess.clientAddr); werr != nil {
			return
		}

		metrics.UDPPacketsTotal.WithLabelValues(f.ruleName, "target_to_client").Inc()
	}
}

func (f *Forwarder) cleanupLoop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !f.running.Load() {
				return
			}

			f.evictIdle()
		}
	}
}

func (f *Forwarder) evictIdle() {
	f.sessions.Range(func(key, value any) bool {
		sess, _ := value.(*session)

		if sess.idleSince() > sessionIdleTimeout {
			_ = sess.upstream.Close()
			f.sessions.Delete(key)
			metrics.UDPSessionsActive.WithLabelValues(f.ruleName).Dec()
			metrics.UDPSessionsEvictedTotal.WithLabelValues(f.ruleName).Inc()
		}

		return true
	})
}
