package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/docchat/internal/backend"
)

// DefaultKeepAliveInterval is used when NewKeepAlive gets a non-positive interval.
const DefaultKeepAliveInterval = 4 * time.Minute

// KeepAlive calls tick every interval so the login session and the access
// token stay fresh. While paused no timer is armed; Resume ticks at once and
// restarts the interval.
type KeepAlive struct {
	interval time.Duration
	tick     func(ctx context.Context) error
	logger   *slog.Logger

	mu      sync.Mutex
	paused  bool
	running bool
	changed chan struct{}
}

func NewKeepAlive(interval time.Duration, tick func(ctx context.Context) error) *KeepAlive {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	return &KeepAlive{
		interval: interval,
		tick:     tick,
		logger:   slog.Default(),
		changed:  make(chan struct{}, 1),
	}
}

// Pause stops ticking until Resume.
func (k *KeepAlive) Pause() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.paused {
		return
	}
	k.paused = true
	k.signal()
}

// Resume restarts ticking, with an immediate tick.
func (k *KeepAlive) Resume() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.paused {
		return
	}
	k.paused = false
	k.signal()
}

func (k *KeepAlive) Paused() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.paused
}

// signal must be called with k.mu held.
func (k *KeepAlive) signal() {
	select {
	case k.changed <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done. It returns ctx.Err(). Calling Run on an
// already running KeepAlive returns immediately.
func (k *KeepAlive) Run(ctx context.Context) error {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return nil
	}
	k.running = true
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		k.running = false
		k.mu.Unlock()
	}()

	for {
		if k.Paused() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-k.changed:
				if !k.Paused() {
					k.fire(ctx)
				}
				continue
			}
		}

		t := time.NewTimer(k.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-k.changed:
			t.Stop()
		case <-t.C:
			k.fire(ctx)
		}
	}
}

func (k *KeepAlive) fire(ctx context.Context) {
	if ctx.Err() != nil || k.tick == nil {
		return
	}
	if err := k.tick(ctx); err != nil {
		if backend.IsUnauthorized(err) {
			k.logger.Warn("session expired; log in again to keep private knowledge available")
			return
		}
		k.logger.Debug("keep-alive failed", "error", err)
	}
}
