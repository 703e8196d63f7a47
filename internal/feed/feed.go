// Package feed manages the market-data stream.
//
// The manager owns two subscription roles: the baseline set (index spots
// subscribed for the whole session) and the position set (option legs that
// come and go with trades). On every reconnect it replays baseline first,
// then positions, so the subscribed set is exactly baseline ∪ positions at
// the moment of resubscription. Reconnects use exponential backoff with
// jitter; inbound packets are normalized and pushed through the tick cache's
// ordered filter before reaching any consumer.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"dhan-scalper/internal/config"
	"dhan-scalper/internal/ticks"
	"dhan-scalper/pkg/types"
)

// State is the connection lifecycle of the feed.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "disconnected"
	}
}

const (
	codeSubscribe   = 15
	codeUnsubscribe = 16
)

// Manager drives the transport and keeps subscriptions alive across drops.
type Manager struct {
	logger    *slog.Logger
	transport Transport
	cache     *ticks.Cache

	reconnectBase time.Duration
	reconnectMax  time.Duration
	maxAttempts   int
	staleWindow   time.Duration

	state atomic.Int32

	mu        sync.Mutex
	baseline  map[types.WSInstrument]struct{}
	positions map[types.WSInstrument]struct{}

	onTick func(types.Tick)
}

// New creates a feed manager.
func New(logger *slog.Logger, transport Transport, cache *ticks.Cache, cfg config.FeedConfig) *Manager {
	return &Manager{
		logger:        logger.With("component", "feed"),
		transport:     transport,
		cache:         cache,
		reconnectBase: cfg.ReconnectBase,
		reconnectMax:  cfg.ReconnectMax,
		maxAttempts:   cfg.MaxAttempts,
		staleWindow:   cfg.StaleTickWindow,
		baseline:      make(map[types.WSInstrument]struct{}),
		positions:     make(map[types.WSInstrument]struct{}),
	}
}

// OnTick registers a callback invoked for every accepted tick. Stale ticks
// rejected by the ordered filter never reach it.
func (m *Manager) OnTick(fn func(types.Tick)) { m.onTick = fn }

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Run connects and pumps ticks until ctx is cancelled or the reconnect
// budget is exhausted. Blocks.
func (m *Manager) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    m.reconnectBase,
		Max:    m.reconnectMax,
		Factor: 2,
		Jitter: true,
	}
	attempts := 0

	for {
		if ctx.Err() != nil {
			m.state.Store(int32(StateStopped))
			return ctx.Err()
		}

		m.state.Store(int32(StateConnecting))
		if err := m.transport.Dial(ctx); err != nil {
			attempts++
			if m.maxAttempts > 0 && attempts >= m.maxAttempts {
				m.state.Store(int32(StateStopped))
				return fmt.Errorf("feed: gave up after %d connect attempts: %w", attempts, err)
			}
			wait := b.Duration()
			m.logger.Warn("feed connect failed", "attempt", attempts, "backoff", wait, "error", err)
			select {
			case <-ctx.Done():
				m.state.Store(int32(StateStopped))
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		if err := m.resubscribeAll(); err != nil {
			m.transport.Close()
			attempts++
			if m.maxAttempts > 0 && attempts >= m.maxAttempts {
				m.state.Store(int32(StateStopped))
				return fmt.Errorf("feed: gave up after %d connect attempts: %w", attempts, err)
			}
			wait := b.Duration()
			m.logger.Warn("resubscribe failed", "attempt", attempts, "backoff", wait, "error", err)
			select {
			case <-ctx.Done():
				m.state.Store(int32(StateStopped))
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		m.state.Store(int32(StateConnected))
		attempts = 0
		b.Reset()
		m.logger.Info("feed connected", "subscriptions", len(m.Subscribed()))

		err := m.readLoop(ctx)
		m.state.Store(int32(StateDisconnected))
		if ctx.Err() != nil {
			m.state.Store(int32(StateStopped))
			return ctx.Err()
		}
		m.logger.Warn("feed disconnected, reconnecting", "error", err)
	}
}

// Stop closes the transport, unblocking Run's read loop.
func (m *Manager) Stop() {
	m.state.Store(int32(StateStopped))
	m.transport.Close()
}

// readLoop pumps packets until the connection drops.
func (m *Manager) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pkt, err := m.transport.Read()
		if err != nil {
			return err
		}

		tick := ticks.Normalize(pkt)
		if m.staleWindow > 0 && time.Since(tick.Ts) > m.staleWindow {
			m.logger.Debug("tick older than stale window dropped",
				"key", tick.Key().String(), "ts", tick.Ts)
			continue
		}
		if !m.cache.Put(tick) {
			m.logger.Debug("stale tick dropped",
				"key", tick.Key().String(), "ts", tick.Ts)
			continue
		}
		if m.onTick != nil {
			m.onTick(tick)
		}
	}
}

// SubscribeBaseline adds instruments to the session-long baseline set and
// subscribes them on the live connection.
func (m *Manager) SubscribeBaseline(instruments []types.WSInstrument) error {
	m.mu.Lock()
	for _, in := range instruments {
		m.baseline[in] = struct{}{}
	}
	m.mu.Unlock()
	return m.send(codeSubscribe, instruments)
}

// SubscribePosition adds one position leg to the position set.
func (m *Manager) SubscribePosition(in types.WSInstrument) error {
	m.mu.Lock()
	m.positions[in] = struct{}{}
	m.mu.Unlock()
	return m.send(codeSubscribe, []types.WSInstrument{in})
}

// UnsubscribePosition drops one position leg. Baseline instruments are never
// removed this way.
func (m *Manager) UnsubscribePosition(in types.WSInstrument) error {
	m.mu.Lock()
	_, held := m.positions[in]
	delete(m.positions, in)
	_, isBaseline := m.baseline[in]
	m.mu.Unlock()

	if !held || isBaseline {
		return nil
	}
	return m.send(codeUnsubscribe, []types.WSInstrument{in})
}

// UnsubscribeAll clears both sets and tells the server.
func (m *Manager) UnsubscribeAll() error {
	m.mu.Lock()
	all := m.subscribedUnionLocked()
	m.baseline = make(map[types.WSInstrument]struct{})
	m.positions = make(map[types.WSInstrument]struct{})
	m.mu.Unlock()

	if len(all) == 0 {
		return nil
	}
	return m.send(codeUnsubscribe, all)
}

// Subscribed returns baseline ∪ positions.
func (m *Manager) Subscribed() []types.WSInstrument {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribedUnionLocked()
}

func (m *Manager) subscribedUnionLocked() []types.WSInstrument {
	out := make([]types.WSInstrument, 0, len(m.baseline)+len(m.positions))
	for in := range m.baseline {
		out = append(out, in)
	}
	for in := range m.positions {
		if _, dup := m.baseline[in]; !dup {
			out = append(out, in)
		}
	}
	return out
}

// resubscribeAll replays the baseline set, then the position set.
func (m *Manager) resubscribeAll() error {
	m.mu.Lock()
	baseline := make([]types.WSInstrument, 0, len(m.baseline))
	for in := range m.baseline {
		baseline = append(baseline, in)
	}
	positions := make([]types.WSInstrument, 0, len(m.positions))
	for in := range m.positions {
		if _, dup := m.baseline[in]; !dup {
			positions = append(positions, in)
		}
	}
	m.mu.Unlock()

	// Written to the transport directly: replay happens before the state
	// flips to connected, so the send gate must not apply here.
	if len(baseline) > 0 {
		if err := m.transmit(codeSubscribe, baseline); err != nil {
			return fmt.Errorf("resubscribe baseline: %w", err)
		}
	}
	if len(positions) > 0 {
		if err := m.transmit(codeSubscribe, positions); err != nil {
			return fmt.Errorf("resubscribe positions: %w", err)
		}
	}
	return nil
}

func (m *Manager) send(code int, instruments []types.WSInstrument) error {
	if len(instruments) == 0 {
		return nil
	}
	if m.State() != StateConnected && code == codeSubscribe {
		// Not connected yet: the set is tracked and will be replayed on
		// connect.
		return nil
	}
	return m.transmit(code, instruments)
}

func (m *Manager) transmit(code int, instruments []types.WSInstrument) error {
	return m.transport.Send(types.WSSubscribeMsg{
		RequestCode:    code,
		InstrumentList: instruments,
	})
}
