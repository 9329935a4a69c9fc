// Package resolver translates a target string into a socket address via
// a configured recursive resolver, without blocking the caller's
// goroutine on the underlying DNS round-trip.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/nodepeer/relay/internal/metrics"
	"github.com/nodepeer/relay/internal/resolver/sf"
)

var (
	// ErrNoAddress is returned when a query succeeds but carries no usable answer.
	ErrNoAddress = errors.New("no address")
	// ErrResolveFailure wraps the underlying transport/protocol error from a query.
	ErrResolveFailure = errors.New("resolve failure")
	// ErrTxtHadNoValidRecord is returned when no TXT string parses as ip:port.
	ErrTxtHadNoValidRecord = errors.New("txt had no valid record")
)

// Default recursive resolver addresses.
var DefaultServers = []string{"223.5.5.5:53", "223.6.6.6:53"} //nolint:gochecknoglobals // documented defaults

const (
	// DefaultTimeout is the per-query timeout.
	DefaultTimeout = 5 * time.Second
	// DefaultAttempts is the number of query attempts per server.
	DefaultAttempts = 2
	// maxWorkers bounds the blocking-capable pool dispatching DNS I/O so it
	// never runs on the caller's own goroutine.
	maxWorkers = 64
)

// Resolver resolves target strings against a configured recursive DNS
// server set.
type Resolver struct {
	servers  []string
	timeout  time.Duration
	attempts int
	client   *dns.Client
	sem      chan struct{}
	group    sf.Group
}

// New builds a Resolver. An empty servers slice falls back to DefaultServers.
func New(servers []string, timeout time.Duration, attempts int) *Resolver {
	if len(servers) == 0 {
		servers = DefaultServers
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	return &Resolver{
		servers:  servers,
		timeout:  timeout,
		attempts: attempts,
		client:   &dns.Client{Net: "udp", Timeout: timeout},
		sem:      make(chan struct{}, maxWorkers),
	}
}

// result carries a resolve outcome across the worker goroutine boundary.
type result struct {
	addr string
	err  error
}

// Resolve translates a target string into "ip:port". The
// blocking DNS exchange runs on a worker goroutine drawn from a bounded
// pool; Resolve itself only blocks on ctx or the worker's result channel,
// so a caller's own event loop never stalls on DNS I/O.
func (r *Resolver) Resolve(ctx context.Context, target string) (string, error) {
	parsed, err := ParseTarget(target)
	if err != nil {
		return "", err
	}

	if parsed.Shape == ShapeIPPort {
		return parsed.Addr, nil
	}

	out := make(chan result, 1)

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	go func() {
		defer func() { <-r.sem }()

		addr, rerr := r.resolveCoalesced(ctx, target, parsed)
		out <- result{addr: addr, err: rerr}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-out:
		return res.addr, res.err
	}
}

// resolveCoalesced serializes concurrent resolutions for the same target
// string so a DNS-refresh burst doesn't fan out duplicate outbound queries.
func (r *Resolver) resolveCoalesced(ctx context.Context, target string, parsed ParsedTarget) (string, error) {
	v, err, _ := r.group.Do(target, func() (any, error) {
		start := time.Now()

		var (
			addr string
			rerr error
		)

		switch parsed.Shape {
		case ShapeHostPort:
			addr, rerr = r.resolveHostPort(ctx, parsed.Host, parsed.Port)
			metrics.ResolveDuration.WithLabelValues("host_port").Observe(time.Since(start).Seconds())
		case ShapeHost:
			addr, rerr = r.resolveTXT(ctx, parsed.Name)
			metrics.ResolveDuration.WithLabelValues("txt").Observe(time.Since(start).Seconds())
		default:
			rerr = ErrInvalidTargetFormat
		}

		if rerr != nil {
			metrics.ResolveErrorsTotal.WithLabelValues(reasonFor(rerr)).Inc()
		}

		return addr, rerr
	})
	if err != nil {
		return "", err
	}

	s, _ := v.(string)

	return s, nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrNoAddress):
		return "no_address"
	case errors.Is(err, ErrTxtHadNoValidRecord):
		return "txt_no_valid_record"
	case errors.Is(err, ErrInvalidTargetFormat):
		return "invalid_format"
	default:
		return "resolve_failure"
	}
}

// resolveHostPort resolves A/AAAA for host, preferring the first IPv4
// answer, else the first answer of any family.
func (r *Resolver) resolveHostPort(ctx context.Context, host string, port uint16) (string, error) {
	answers, err := r.lookupIP(ctx, host)
	if err != nil {
		return "", err
	}

	if len(answers) == 0 {
		return "", ErrNoAddress
	}

	for _, ip := range answers {
		if ip.To4() != nil {
			return net.JoinHostPort(ip.String(), fmtPort(port)), nil
		}
	}

	return net.JoinHostPort(answers[0].String(), fmtPort(port)), nil
}

// resolveTXT queries the TXT record for a bare hostname and returns the
// first string that parses as ip:port.
func (r *Resolver) resolveTXT(ctx context.Context, name string) (string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)

	in, err := r.exchange(ctx, m)
	if err != nil {
		return "", err
	}

	for _, rr := range in.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}

		for _, s := range txt.Txt {
			candidate := strings.Trim(strings.TrimSpace(s), `"`)
			if host, port, err := net.SplitHostPort(candidate); err == nil && net.ParseIP(host) != nil {
				return net.JoinHostPort(host, port), nil
			}
		}
	}

	return "", ErrTxtHadNoValidRecord
}

// lookupIP queries A then AAAA and merges answers.
func (r *Resolver) lookupIP(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)

		in, err := r.exchange(ctx, m)
		if err != nil {
			continue
		}

		for _, rr := range in.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				ips = append(ips, rec.A)
			case *dns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrResolveFailure, host)
	}

	return ips, nil
}

// exchange queries each configured server in turn, attempts times each,
// returning the first successful reply.
func (r *Resolver) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	var lastErr error

	for _, server := range r.servers {
		for attempt := 0; attempt < r.attempts; attempt++ {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			in, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = err

				zerolog.Ctx(ctx).Debug().Err(err).Str("server", server).Msg("dns exchange attempt failed")

				continue
			}

			if in != nil && in.Rcode == dns.RcodeSuccess {
				return in, nil
			}

			rcode := -1
			if in != nil {
				rcode = in.Rcode
			}

			lastErr = fmt.Errorf("%w: rcode %d from %s", ErrResolveFailure, rcode, server)
		}
	}

	if lastErr == nil {
		lastErr = ErrResolveFailure
	}

	return nil, lastErr
}

func fmtPort(p uint16) string {
	return fmt.Sprintf("%d", p)
}
