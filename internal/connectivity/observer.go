// Package connectivity supplies the sync worker with edge-triggered
// "network became available" notifications. The state can be driven by a
// periodic HTTP probe, by the host platform pushing transitions through
// SetOnline, or both.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProbeFunc reports nil when the network is usable.
type ProbeFunc func(ctx context.Context) error

// HTTPProbe builds a ProbeFunc that issues a HEAD request against url.
func HTTPProbe(url string) ProbeFunc {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
}

// Observer tracks a boolean "network usable" signal and emits an event
// on each offline-to-online transition. Events are delivered on a
// 1-buffered channel so bursts coalesce.
type Observer struct {
	probe    ProbeFunc
	interval time.Duration

	mu     sync.Mutex
	online bool
	known  bool

	became chan struct{}
}

// NewObserver creates an Observer. probe may be nil when the host drives
// state exclusively through SetOnline.
func NewObserver(probe ProbeFunc, interval time.Duration) *Observer {
	return &Observer{
		probe:    probe,
		interval: interval,
		became:   make(chan struct{}, 1),
	}
}

// Online reports the last known state. Before the first probe or
// SetOnline call the network is assumed unusable.
func (o *Observer) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// BecameOnline is the edge-trigger channel: one receive per
// offline-to-online transition, bursts coalesced.
func (o *Observer) BecameOnline() <-chan struct{} {
	return o.became
}

// SetOnline feeds a state observation, from a probe result or from the
// host platform's own network callbacks.
func (o *Observer) SetOnline(online bool) {
	o.mu.Lock()
	wasOnline, wasKnown := o.online, o.known
	o.online = online
	o.known = true
	o.mu.Unlock()

	if online && (!wasOnline || !wasKnown) {
		slog.Info("network became available", "component", "connectivity")
		select {
		case o.became <- struct{}{}:
		default:
		}
	} else if !online && wasOnline {
		slog.Info("network lost", "component", "connectivity")
	}
}

// Run probes on a fixed interval until ctx is cancelled. It probes
// immediately on start so the first worker trigger is not delayed by a
// full interval.
func (o *Observer) Run(ctx context.Context) {
	if o.probe == nil {
		<-ctx.Done()
		return
	}

	slog.Info("connectivity observer started",
		"component", "connectivity",
		"interval", o.interval.String(),
	)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.SetOnline(o.probe(ctx) == nil)

	for {
		select {
		case <-ctx.Done():
			slog.Info("connectivity observer stopped",
				"component", "connectivity",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			o.SetOnline(o.probe(ctx) == nil)
		}
	}
}
