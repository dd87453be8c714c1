package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pylon/internal/config"
	"pylon/internal/models"
	"pylon/internal/storage"
	"pylon/internal/telemetry"
)

// Service polls known peers on a fixed interval, records their health in
// the status store and grows the peer set from what peers report.
type Service struct {
	config   *config.Store
	store    *storage.StatusStore
	registry *Registry
	poller   *Poller
	log      zerolog.Logger

	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	known []models.PeerDescriptor

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Option customises a Service.
type Option func(*Service)

// WithInterval overrides the configured pause between cycles.
func WithInterval(d time.Duration) Option {
	return func(s *Service) { s.interval = d }
}

// WithTimeout overrides the configured per-peer request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithClock replaces the time source used for last-seen stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the polling loop. self lists the keys that identify this
// instance and are never learned from gossip.
func NewService(cfg *config.Store, store *storage.StatusStore, self []models.PeerKey, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		config:   cfg,
		store:    store,
		registry: NewRegistry(self),
		poller:   NewPoller(defaultPollTimeout),
		log:      log,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the polling loop in the background.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		s.err = s.Run(ctx)
	}()
}

// Stop signals shutdown and waits for the loop to exit.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Done is closed once the background loop has exited.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that terminated the background loop, if any.
// It is only meaningful after Done is closed.
func (s *Service) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Run polls until ctx is cancelled. It returns an error only when shared
// configuration becomes unreadable.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().Msg("peer poller started")
	for {
		if ctx.Err() != nil {
			s.log.Info().Msg("peer poller stopped")
			return nil
		}

		result, err := s.RunOnce(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("peer poller terminated")
			return err
		}
		s.log.Debug().
			Int("poll_set", result.PollSet).
			Int("polled", result.Polled).
			Int("online", result.Online).
			Int("discovered", result.Discovered).
			Msg("poll cycle complete")

		timer := time.NewTimer(s.pollInterval())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.log.Info().Msg("peer poller stopped")
			return nil
		}
	}
}

// RunOnce executes a single polling cycle. Peers that were not yet started
// when ctx is cancelled are skipped; polls already in flight complete.
func (s *Service) RunOnce(ctx context.Context) (CycleResult, error) {
	cfg, err := s.config.Current()
	if err != nil {
		return CycleResult{}, fmt.Errorf("%w: %w", ErrConfigUnavailable, err)
	}

	s.registry.SetLimit(cfg.MaxDiscoveredPeers)
	if s.timeout > 0 {
		s.poller.SetTimeout(s.timeout)
	} else {
		s.poller.SetTimeout(cfg.PollTimeout())
	}
	pollSet := s.registry.SnapshotPollSet(cfg.RemotePylons)
	s.setKnown(pollSet)

	result := CycleResult{PollSet: len(pollSet)}
	reported := make([][]models.PeerDescriptor, len(pollSet))
	pollCtx := context.WithoutCancel(ctx)
	var polled, online atomic.Int32

	limit := cfg.PollConcurrency
	if limit < 1 {
		limit = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, peer := range pollSet {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcome := s.poller.Poll(pollCtx, peer)
			s.record(peer, outcome)
			polled.Add(1)
			if outcome.Reached {
				online.Add(1)
				reported[i] = ExtractPeers(outcome.Body)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Polled = int(polled.Load())
	result.Online = int(online.Load())
	if int(polled.Load()) < len(pollSet) {
		result.Cancelled = true
	}

	// Folded after the fan-out so that discoveries only affect the next
	// cycle and are applied in poll-set order.
	for i, candidates := range reported {
		for _, candidate := range candidates {
			if s.discover(pollSet[i], candidate) {
				result.Discovered++
			}
		}
	}

	telemetry.KnownPeers.Set(float64(len(pollSet)))
	telemetry.DiscoveredPeers.Set(float64(len(s.registry.Discovered())))
	telemetry.PeersOnline.Set(float64(result.Online))
	return result, nil
}

func (s *Service) record(peer models.PeerDescriptor, outcome Outcome) {
	key := normalizeKey(peer.Key())
	status := models.PeerStatus{
		IP:   peer.Host,
		Port: peer.Port,
		Name: peer.Name,
	}
	previous, seenBefore := s.store.Get(key)

	telemetry.PeerPollDuration.Observe(outcome.Duration.Seconds())
	if outcome.Reached {
		now := s.now().UTC()
		status.LastSeen = &now
		status.Online = true
		status.Data = outcome.Body
		telemetry.PeerPolls.WithLabelValues(telemetry.OutcomeOnline).Inc()
		if !seenBefore || !previous.Online {
			s.log.Info().Str("peer", key.String()).Str("name", peer.Name).Msg("peer online")
		}
	} else {
		if seenBefore {
			status.LastSeen = previous.LastSeen
		}
		telemetry.PeerPolls.WithLabelValues(telemetry.OutcomeOffline).Inc()
		event := s.log.Debug()
		if seenBefore && previous.Online {
			event = s.log.Warn()
		}
		event.Err(outcome.Err).Str("peer", key.String()).Str("name", peer.Name).Msg("peer unreachable")
	}

	s.store.Upsert(key, status)
}

func (s *Service) discover(source, candidate models.PeerDescriptor) bool {
	result := s.registry.record(candidate)
	switch result {
	case discoveryAdded:
		telemetry.PeerDiscoveries.WithLabelValues(telemetry.DiscoveryAdded).Inc()
		s.log.Info().
			Str("peer", candidate.Key().String()).
			Str("via", source.Key().String()).
			Msg("discovered new peer")
		return true
	case discoverySelf:
		telemetry.PeerDiscoveries.WithLabelValues(telemetry.DiscoverySelf).Inc()
	case discoveryRejected:
		telemetry.PeerDiscoveries.WithLabelValues(telemetry.DiscoveryRejected).Inc()
		s.log.Warn().
			Str("peer", candidate.Key().String()).
			Str("via", source.Key().String()).
			Msg("discovered peer dropped, limit reached")
	default:
		telemetry.PeerDiscoveries.WithLabelValues(telemetry.DiscoveryKnown).Inc()
	}
	return false
}

func (s *Service) pollInterval() time.Duration {
	if s.interval > 0 {
		return s.interval
	}
	cfg, err := s.config.Current()
	if err != nil {
		return config.DefaultPollInterval * time.Second
	}
	return cfg.PollInterval()
}

func (s *Service) setKnown(peers []models.PeerDescriptor) {
	s.mu.Lock()
	s.known = peers
	s.mu.Unlock()
}

// KnownPeers returns the peers of the most recent poll set.
func (s *Service) KnownPeers() []models.PeerDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PeerDescriptor, len(s.known))
	copy(out, s.known)
	return out
}

// Snapshot returns the status of every peer seen so far.
func (s *Service) Snapshot() []models.PeerStatus {
	return s.store.Snapshot()
}
