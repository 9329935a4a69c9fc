// Package forward composes up to three protocol-specific sub-forwarders
// sharing one rule's listen address, and exposes one capability set —
// start, stop, update_target, is_running — across all of them.
package forward

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nodepeer/relay/internal/config"
	"github.com/nodepeer/relay/internal/forward/httpredirect"
	"github.com/nodepeer/relay/internal/forward/tcpfwd"
	"github.com/nodepeer/relay/internal/forward/udpfwd"
	"github.com/nodepeer/relay/internal/resolver"
)

// subForwarder is the lifecycle surface common to every protocol-specific
// forwarder.
type subForwarder interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
}

// targetUpdater is implemented by sub-forwarders whose data plane dials a
// target (TCP, UDP); the HTTP sub-forwarder does not implement it.
type targetUpdater interface {
	UpdateTarget(addr string)
}

// Unified runs every sub-forwarder a rule's protocol set requires.
type Unified struct {
	ruleName string
	subs     []subForwarder
}

// New builds a Unified forwarder for rule r, instantiating one
// sub-forwarder per protocol in r.EffectiveProtocols(), all bound to
// r.ListenAddr(). initialTarget is the rule's currently elected target
// address (ignored by the HTTP sub-forwarder).
func New(r config.Rule, initialTarget string, res *resolver.Resolver, logger zerolog.Logger) (*Unified, error) {
	u := &Unified{ruleName: r.Name}

	for _, proto := range r.EffectiveProtocols() {
		switch proto {
		case config.ProtocolTCP:
			u.subs = append(u.subs, tcpfwd.New(r.Name, r.ListenAddr(), r.BufferSize, initialTarget, logger))
		case config.ProtocolUDP:
			u.subs = append(u.subs, udpfwd.New(r.Name, r.ListenAddr(), r.BufferSize, initialTarget, res, logger))
		case config.ProtocolHTTP:
			u.subs = append(u.subs, httpredirect.New(r.Name, r.ListenAddr(), logger))
		default:
			return nil, fmt.Errorf("rule %s: unsupported protocol %q", r.Name, proto)
		}
	}

	return u, nil
}

// Start starts every configured sub-forwarder. If one fails to bind, the
// others already started are stopped and the error is returned.
func (u *Unified) Start(ctx context.Context) error {
	started := make([]subForwarder, 0, len(u.subs))

	for _, sub := range u.subs {
		if err := sub.Start(ctx); err != nil {
			for _, s := range started {
				s.Stop()
			}

			return err
		}

		started = append(started, sub)
	}

	return nil
}

// Stop stops every sub-forwarder.
func (u *Unified) Stop() {
	for _, sub := range u.subs {
		sub.Stop()
	}
}

// UpdateTarget propagates a new target address to every sub-forwarder that
// dials a target; the HTTP sub-forwarder ignores it.
func (u *Unified) UpdateTarget(addr string) {
	for _, sub := range u.subs {
		if updater, ok := sub.(targetUpdater); ok {
			updater.UpdateTarget(addr)
		}
	}
}

// IsRunning reports whether every configured sub-forwarder is running.
func (u *Unified) IsRunning() bool {
	for _, sub := range u.subs {
		if !sub.IsRunning() {
			return false
		}
	}

	return true
}
