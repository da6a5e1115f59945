// Package scheduler implements the Auto-Sync Scheduler:
// drives the Sync Orchestrator on a fixed cadence while connectivity is
// available, and reacts to network state changes by pausing/resuming the
// orchestrator and syncing immediately on recovery.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/log"
	"github.com/adrian-moloca/dental-sub010/pkg/orchestrator"
)

// tickInterval is the fixed sync cadence.
const tickInterval = 10 * time.Second

// NetworkState is the connectivity state a NetworkMonitor reports.
type NetworkState string

const (
	NetworkOnline  NetworkState = "online"
	NetworkOffline NetworkState = "offline"
)

// NetworkMonitor is the capability the host process provides for
// observing OS-level connectivity changes. Implementations deliver state transitions
// on Changes(); the scheduler reads them for the lifetime of the context
// passed to Start.
type NetworkMonitor interface {
	Changes() <-chan NetworkState
}

// Scheduler drives TriggerSync on a timer and reacts to NetworkMonitor
// events via a background goroutine with stopCh teardown; errors are
// logged and survived rather than fatal.
type Scheduler struct {
	orchestrator *orchestrator.Orchestrator
	monitor      NetworkMonitor

	mu     sync.Mutex
	online bool
	stopCh chan struct{}
}

// New wires a Scheduler. monitor may be nil, in which case the scheduler
// assumes connectivity is always available and never pauses on its own.
func New(orch *orchestrator.Orchestrator, monitor NetworkMonitor) *Scheduler {
	return &Scheduler{
		orchestrator: orch,
		monitor:      monitor,
		online:       true,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the ticker loop and, if a NetworkMonitor was provided, the
// network-event loop, both as background goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	go s.runTicker(ctx)
	if s.monitor != nil {
		go s.runNetworkMonitor(ctx)
	}
}

// Stop terminates both loops. Safe to call once.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) runTicker(ctx context.Context) {
	logger := log.WithComponent("scheduler")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.isOnline() {
				continue
			}
			if _, err := s.orchestrator.TriggerSync(ctx); err != nil {
				logger.Debug().Err(err).Msg("scheduled sync did not run")
			}
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) runNetworkMonitor(ctx context.Context) {
	logger := log.WithComponent("scheduler")
	for {
		select {
		case state, ok := <-s.monitor.Changes():
			if !ok {
				return
			}
			s.handleNetworkState(ctx, state)
			logger.Info().Str("state", string(state)).Msg("network state changed")
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) handleNetworkState(ctx context.Context, state NetworkState) {
	switch state {
	case NetworkOffline:
		s.setOnline(false)
		s.orchestrator.Pause()
	case NetworkOnline:
		wasOffline := !s.isOnline()
		s.setOnline(true)
		s.orchestrator.Resume()
		if wasOffline {
			// sync immediately on recovery rather than waiting for the
			// next tick.
			go func() {
				if _, err := s.orchestrator.TriggerSync(ctx); err != nil {
					log.WithComponent("scheduler").Debug().Err(err).Msg("recovery sync did not run")
				}
			}()
		}
	}
}

func (s *Scheduler) isOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Scheduler) setOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
}
