package connectivity

import (
	"context"
	"sync"
	"time"

	"offlinequeue/internal/events"
	"offlinequeue/internal/metrics"
	"offlinequeue/internal/models"

	"github.com/rs/zerolog"
)

// Monitor is a pass-through sensor: it keeps the latest observation and
// publishes every distinct state. It does not retry or back off.
type Monitor struct {
	source   Source
	bus      *events.EventBus
	interval time.Duration
	logger   *zerolog.Logger

	mu         sync.RWMutex
	state      models.ConnectivityState
	known      bool
	pending    []models.ConnectivityState
	publishing bool
}

func NewMonitor(source Source, bus *events.EventBus, interval time.Duration, logger *zerolog.Logger) *Monitor {
	if bus == nil {
		bus = events.NewEventBus()
	}
	if interval <= 0 {
		interval = models.DefaultPollInterval
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Monitor{
		source:   source,
		bus:      bus,
		interval: interval,
		logger:   logger,
		state: models.ConnectivityState{
			IsInternetReachable: models.ReachabilityUnknown,
			ConnectionType:      models.ConnectionUnknown,
		},
	}
}

// CurrentState returns the latest known state. Before the first observation
// it reports disconnected with unknown reachability.
func (m *Monitor) CurrentState() models.ConnectivityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe invokes fn for every published state change.
func (m *Monitor) Subscribe(fn func(models.ConnectivityState)) (unsubscribe func()) {
	return m.bus.Subscribe(models.EventConnectivityChanged, func(e *events.Event) error {
		var state models.ConnectivityState
		if err := e.Decode(&state); err != nil {
			return err
		}
		fn(state)
		return nil
	})
}

// Report records an externally delivered observation, such as an OS event
// forwarded by the native shell. Changes are delivered in the order they were
// stored: while one caller publishes, overlapping or nested reports are queued
// and delivered by that caller, so subscribers always end on CurrentState.
func (m *Monitor) Report(state models.ConnectivityState) {
	m.mu.Lock()
	if m.known && m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.known = true
	m.pending = append(m.pending, state)
	if m.publishing {
		m.mu.Unlock()
		return
	}
	m.publishing = true

	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		m.publish(next)
		m.mu.Lock()
	}
	m.publishing = false
	m.mu.Unlock()
}

func (m *Monitor) publish(state models.ConnectivityState) {
	metrics.SetConnectivity(state.GoodConnection())
	m.logger.Info().
		Bool("connected", state.IsConnected).
		Str("reachable", state.IsInternetReachable.String()).
		Str("type", state.ConnectionType).
		Bool("good", state.GoodConnection()).
		Msg("Connectivity changed")

	if err := m.bus.PublishJSON(models.EventConnectivityChanged, state); err != nil {
		m.logger.Error().Err(err).Msg("Failed to publish connectivity change")
	}
}

// Poll fetches one observation from the source and reports it.
func (m *Monitor) Poll(ctx context.Context) error {
	state, err := m.source.Fetch(ctx)
	if err != nil {
		return err
	}
	m.Report(state)
	return nil
}

// Start polls immediately and then on every interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info().Dur("interval", m.interval).Msg("Connectivity monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	if err := m.Poll(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Initial connectivity poll failed")
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Connectivity monitor stopped")
			return
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("Connectivity poll failed")
			}
		}
	}
}
