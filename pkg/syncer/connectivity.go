package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// probeTimeout bounds a single reachability probe so a hung connection
// cannot block the monitor past its next tick.
const probeTimeout = 10 * time.Second

// Monitor periodically probes homeserver reachability independent of the
// sync loop. It is edge-triggered: only transitions between connected and
// disconnected are reported. Failed probes are not retried; the next
// interval tick probes again.
type Monitor struct {
	client   Client
	interval time.Duration
	notify   func(connected bool)
	log      zerolog.Logger

	mu        sync.Mutex
	connected bool

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewMonitor(client Client, interval time.Duration, notify func(connected bool), log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultConnectivitySecs * time.Second
	}
	return &Monitor{
		client:   client,
		interval: interval,
		notify:   notify,
		log:      log.With().Str("component", "connectivity").Logger(),
		// Optimistic start: the first failed probe emits connectivity-lost.
		connected: true,
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Connected reports the last observed reachability state.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Monitor) Start() {
	go m.run()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.probe()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) probe() {
	// Probing without a token would report reachability for an account
	// that cannot sync anyway.
	if !m.client.HasCredentials() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	err := m.client.Versions(ctx)
	cancel()

	m.mu.Lock()
	wasConnected := m.connected
	m.connected = err == nil
	nowConnected := m.connected
	m.mu.Unlock()

	switch {
	case wasConnected && !nowConnected:
		m.log.Warn().Err(err).Msg("Homeserver unreachable, reporting connectivity lost")
		if m.notify != nil {
			m.notify(false)
		}
	case !wasConnected && nowConnected:
		m.log.Info().Msg("Homeserver reachable again, reporting connectivity restored")
		if m.notify != nil {
			m.notify(true)
		}
	}
}
