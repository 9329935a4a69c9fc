// Package supervisor owns every rule's Unified Forwarder and the
// Target Manager, wiring the two together: it starts data-plane
// forwarders against the control plane's initial election, then runs an
// independent ticker pushing subsequent elections into the data plane.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nodepeer/relay/internal/config"
	"github.com/nodepeer/relay/internal/forward"
	"github.com/nodepeer/relay/internal/health"
	"github.com/nodepeer/relay/internal/metrics"
	"github.com/nodepeer/relay/internal/resolver"
	"github.com/nodepeer/relay/internal/targetmgr"
)

// ErrNoRuleStarted is returned by Run when every configured rule failed to
// start (bind failure or no available target).
var ErrNoRuleStarted = errors.New("no rule started")

// dynamicUpdateInterval is the period of the ticker that pushes the
// control plane's current election into each rule's data-plane forwarder
// when the config carries no positive dynamic_update.check_interval_s.
const dynamicUpdateInterval = 15 * time.Second

// runningRule pairs a started Unified Forwarder with the rule it serves,
// so the dynamic-update ticker can diff against the last address it pushed.
type runningRule struct {
	name       string
	forwarder  *forward.Unified
	lastPushed string
}

// Supervisor starts the Target Manager and every rule's Unified Forwarder,
// then keeps the data plane's targets in sync with the control plane.
type Supervisor struct {
	cfg    *config.Config
	tm     *targetmgr.Manager
	res    *resolver.Resolver
	logger zerolog.Logger

	running []*runningRule
}

// New builds a Supervisor for cfg, wiring a Resolver and Prober from the
// configuration defaults and a fresh Target Manager.
func New(cfg *config.Config, logger zerolog.Logger) *Supervisor {
	res := resolver.New(nil, resolver.DefaultTimeout, resolver.DefaultAttempts)
	prober := health.New(health.DefaultTimeout)
	tm := targetmgr.New(cfg.Rules, res, prober, logger)

	return &Supervisor{cfg: cfg, tm: tm, res: res, logger: logger}
}

// TargetManager returns the Supervisor's Target Manager, for the admin HTTP
// surface to read status from.
func (s *Supervisor) TargetManager() *targetmgr.Manager {
	return s.tm
}

// Run initializes the Target Manager, starts every rule's forwarder, and
// blocks running the dynamic-update ticker until ctx is cancelled. It
// returns ErrNoRuleStarted if every rule failed to bind or had no
// available target at startup.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.tm.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize target manager: %w", err)
	}

	for _, r := range s.cfg.Rules {
		if err := s.startRule(ctx, r, s.res); err != nil {
			s.logger.Warn().Err(err).Str("rule", r.Name).Msg("rule did not start")
		}
	}

	if len(s.running) == 0 {
		return ErrNoRuleStarted
	}

	metrics.RulesRunning.Set(float64(len(s.running)))
	metrics.SetReady(true)

	s.runDynamicUpdateTicker(ctx)

	s.stopAll()

	return nil
}

func (s *Supervisor) startRule(ctx context.Context, r config.Rule, res *resolver.Resolver) error {
	target, err := s.tm.BestTarget(r.Name)
	if err != nil {
		return fmt.Errorf("no target available: %w", err)
	}

	uf, err := forward.New(r, target, res, s.logger)
	if err != nil {
		return err
	}

	if err := uf.Start(ctx); err != nil {
		return fmt.Errorf("start forwarder: %w", err)
	}

	s.running = append(s.running, &runningRule{name: r.Name, forwarder: uf, lastPushed: target})
	s.logger.Info().Str("rule", r.Name).Str("target", target).Msg("rule started")

	return nil
}

func (s *Supervisor) runDynamicUpdateTicker(ctx context.Context) {
	interval := s.cfg.CheckInterval()
	if interval <= 0 {
		interval = dynamicUpdateInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pushUpdates()
		}
	}
}

func (s *Supervisor) pushUpdates() {
	for _, rr := range s.running {
		target, err := s.tm.BestTarget(rr.name)
		if err != nil {
			continue
		}

		if target == rr.lastPushed {
			continue
		}

		rr.forwarder.UpdateTarget(target)
		rr.lastPushed = target

		s.logger.Info().Str("rule", rr.name).Str("target", target).Msg("pushed target update to forwarder")
	}
}

func (s *Supervisor) stopAll() {
	var g errgroup.Group

	for _, rr := range s.running {
		g.Go(func() error {
			rr.forwarder.Stop()

			return nil
		})
	}

	_ = g.Wait()

	metrics.SetReady(false)
	metrics.RulesRunning.Set(0)
}
