package polymongo

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cloudresty/emit"
)

// ShutdownConfig holds configuration for graceful shutdown.
type ShutdownConfig struct {
	Timeout          time.Duration
	GracePeriod      time.Duration
	ForceKillTimeout time.Duration
}

// Shutdownable is any additional resource (besides an *Orchestrator) that
// needs to close cleanly on process shutdown.
type Shutdownable interface {
	Close() error
}

// ShutdownManager coordinates graceful shutdown of one or more Orchestrator
// instances and arbitrary Shutdownable resources, adapted from the
// teacher's per-Client shutdown.go to register *Orchestrator instead.
type ShutdownManager struct {
	orchestrators []*Orchestrator
	resources     []Shutdownable
	mutex         sync.RWMutex
	shutdownChan  chan os.Signal
	ctx           context.Context
	cancel        context.CancelFunc
	timeout       time.Duration
}

// NewShutdownManager creates a new shutdown manager.
func NewShutdownManager(config *ShutdownConfig) *ShutdownManager {
	if config == nil {
		config = &ShutdownConfig{Timeout: 30 * time.Second}
	}

	ctx, cancel := context.WithCancel(context.Background())

	emit.Info.StructuredFields("creating shutdown manager",
		emit.ZDuration("timeout", config.Timeout))

	return &ShutdownManager{
		shutdownChan: make(chan os.Signal, 1),
		ctx:          ctx,
		cancel:       cancel,
		timeout:      config.Timeout,
	}
}

// Register registers Orchestrator instances for graceful shutdown.
func (sm *ShutdownManager) Register(orchestrators ...*Orchestrator) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.orchestrators = append(sm.orchestrators, orchestrators...)

	emit.Info.StructuredFields("registered orchestrators for graceful shutdown",
		emit.ZInt("count", len(orchestrators)))
}

// RegisterResources registers arbitrary shutdownable resources.
func (sm *ShutdownManager) RegisterResources(resources ...Shutdownable) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.resources = append(sm.resources, resources...)
}

// SetupSignalHandler wires SIGINT/SIGTERM to trigger shutdown.
func (sm *ShutdownManager) SetupSignalHandler() {
	signal.Notify(sm.shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	emit.Info.Msg("signal handlers set up for graceful shutdown")
}

// Wait blocks until a shutdown signal is received, then shuts everything
// down.
func (sm *ShutdownManager) Wait() {
	sig := <-sm.shutdownChan
	emit.Info.StructuredFields("received shutdown signal", emit.ZString("signal", sig.String()))
	sm.shutdown()
}

// Context returns the manager's context, cancelled once shutdown begins,
// for background workers to select on.
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

func (sm *ShutdownManager) shutdown() {
	sm.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	sm.mutex.RLock()
	orchestrators := make([]*Orchestrator, len(sm.orchestrators))
	copy(orchestrators, sm.orchestrators)
	resources := make([]Shutdownable, len(sm.resources))
	copy(resources, sm.resources)
	sm.mutex.RUnlock()

	total := len(orchestrators) + len(resources)
	if total == 0 {
		emit.Info.Msg("no orchestrators or resources registered for shutdown")
		return
	}

	done := make(chan struct{}, total)
	for i, o := range orchestrators {
		go func(idx int, o *Orchestrator) {
			if err := o.Close(ctx); err != nil {
				emit.Error.StructuredFields("failed to close orchestrator",
					emit.ZInt("index", idx), emit.ZString("error", err.Error()))
			}
			done <- struct{}{}
		}(i, o)
	}
	for i, r := range resources {
		go func(idx int, r Shutdownable) {
			if err := r.Close(); err != nil {
				emit.Error.StructuredFields("failed to close resource",
					emit.ZInt("index", idx), emit.ZString("error", err.Error()))
			}
			done <- struct{}{}
		}(i, r)
	}

	completed := 0
waitLoop:
	for completed < total {
		select {
		case <-done:
			completed++
		case <-ctx.Done():
			break waitLoop
		}
	}

	if completed == total {
		emit.Info.StructuredFields("all orchestrators and resources shut down", emit.ZInt("count", total))
	} else {
		emit.Warn.StructuredFields("shutdown timeout reached",
			emit.ZInt("completed", completed), emit.ZInt("total", total))
	}
}
