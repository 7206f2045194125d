package fetch

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Delay preset names accepted in config and per-request options.
const (
	PresetFast     = "fast"
	PresetPolite   = "polite"
	PresetCautious = "cautious"
)

// Window is a request-delay range.
type Window struct {
	Min, Max time.Duration
}

// PresetWindow maps a preset name to its delay range. Unknown names get
// the polite window.
func PresetWindow(name string) Window {
	switch name {
	case PresetFast:
		return Window{100 * time.Millisecond, 500 * time.Millisecond}
	case PresetCautious:
		return Window{time.Second, 3 * time.Second}
	default:
		return Window{500 * time.Millisecond, 1500 * time.Millisecond}
	}
}

// Delay draws a pause from the window and skews it by up to 20% either way
// so request spacing never settles into a detectable pattern. The result
// never falls under the window minimum.
func (w Window) Delay() time.Duration {
	if w.Max <= w.Min {
		return w.Min
	}
	base := w.Min + time.Duration(rand.Int64N(int64(w.Max-w.Min)+1))
	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(base))
	d := base + jitter
	if d < w.Min {
		d = w.Min
	}
	return d
}

// Pacer spaces requests per host. Each host tracks its next free send
// slot; concurrent callers reserve consecutive slots instead of piling
// onto the same one.
type Pacer struct {
	mu   sync.Mutex
	next map[string]time.Time
	now  func() time.Time
}

func NewPacer() *Pacer {
	return &Pacer{next: make(map[string]time.Time), now: time.Now}
}

// Wait blocks until the host's next send slot. The first request to a
// host goes straight through.
func (p *Pacer) Wait(ctx context.Context, host string, w Window) error {
	d := p.reserve(host, w.Delay())
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// reserve claims the next slot for host and returns how long the caller
// must sleep before using it.
func (p *Pacer) reserve(host string, delay time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	slot := p.next[host]
	if slot.Before(now) {
		// Idle host: this request goes now, the next one waits.
		p.next[host] = now.Add(delay)
		return 0
	}
	p.next[host] = slot.Add(delay)
	return slot.Sub(now)
}
