package notify

import (
	"context"
	crand "crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
)

// Provider delivers one message to an external channel.
type Provider interface {
	Name() string
	Send(ctx context.Context, title, message string) error
}

// RetryPolicy controls redelivery of a failed message. The delay before
// attempt n+1 is Backoff*2^(n-1) plus up to Jitter.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	Jitter   time.Duration
}

// DefaultRetry is the policy of a new MultiNotifier.
var DefaultRetry = RetryPolicy{Attempts: 3, Backoff: 100 * time.Millisecond}

// DefaultCooldown is the minimum gap between two deliveries to the same
// provider.
var DefaultCooldown = 100 * time.Millisecond

// sleep waits d or until ctx is done.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MultiNotifier fans deployment events out to every configured provider.
// Deliveries run in the background; Wait blocks until they finish.
type MultiNotifier struct {
	providers []Provider
	// level filters events: LevelAll, LevelFailure or LevelNone
	level string
	// source identifies the sending host in message footers
	source string
	retry  RetryPolicy

	mu        sync.Mutex
	cooldown  time.Duration
	cooldowns map[string]time.Duration
	// lastSent holds the start of the latest delivery per provider
	lastSent map[string]time.Time
	pending  sync.WaitGroup
}

// NewMultiNotifier returns a notifier without providers.
func NewMultiNotifier() *MultiNotifier {
	return &MultiNotifier{
		level:     LevelAll,
		retry:     DefaultRetry,
		cooldown:  DefaultCooldown,
		cooldowns: map[string]time.Duration{},
		lastSent:  map[string]time.Time{},
	}
}

// Add registers a provider; nil is ignored.
func (m *MultiNotifier) Add(p Provider) {
	if p != nil {
		m.providers = append(m.providers, p)
	}
}

func (m *MultiNotifier) Len() int { return len(m.providers) }

// SetRetry replaces the retry policy. Attempts below one mean one.
func (m *MultiNotifier) SetRetry(r RetryPolicy) {
	if r.Attempts < 1 {
		r.Attempts = 1
	}
	m.retry = r
}

// SetCooldown sets the cooldown of providers without their own.
func (m *MultiNotifier) SetCooldown(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldown = d
}

// SetProviderCooldown overrides the cooldown for the provider called name.
func (m *MultiNotifier) SetProviderCooldown(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[name] = d
}

// ProviderCooldown returns the cooldown that applies to name.
func (m *MultiNotifier) ProviderCooldown(name string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldownLocked(name)
}

func (m *MultiNotifier) cooldownLocked(name string) time.Duration {
	if d, ok := m.cooldowns[name]; ok {
		return d
	}
	return m.cooldown
}

// ResetLastSent forgets the last delivery to name, ending its cooldown.
func (m *MultiNotifier) ResetLastSent(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastSent, name)
}

// claim starts the cooldown of name at now unless one is running. It
// returns the previous start so a failed delivery can hand the slot back.
func (m *MultiNotifier) claim(name string, now time.Time) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, seen := m.lastSent[name]
	if seen && now.Sub(prev) < m.cooldownLocked(name) {
		return prev, false
	}
	m.lastSent[name] = now
	return prev, true
}

// release undoes claim, unless a newer delivery claimed the slot since.
func (m *MultiNotifier) release(name string, claimed, prev time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.lastSent[name].Equal(claimed) {
		return
	}
	if prev.IsZero() {
		delete(m.lastSent, name)
		return
	}
	m.lastSent[name] = prev
}

// Send delivers title and message to every provider whose cooldown has
// passed, in the background.
func (m *MultiNotifier) Send(ctx context.Context, title, message string) {
	now := time.Now()
	for _, p := range m.providers {
		name := p.Name()
		prev, ok := m.claim(name, now)
		if !ok {
			logging.Get().Warn().Str("provider", name).Str("title", title).Msg("skipping notification due to cooldown")
			continue
		}
		m.pending.Add(1)
		go func(p Provider) {
			defer m.pending.Done()
			if err := m.deliver(ctx, p, title, message); err != nil {
				m.release(name, now, prev)
				logging.Get().Error().Err(err).Str("provider", name).Msg("all notification retries failed")
			}
		}(p)
	}
}

// deliver sends with retries and returns the last error.
func (m *MultiNotifier) deliver(ctx context.Context, p Provider, title, message string) error {
	var err error
	for attempt := 1; attempt <= m.retry.Attempts; attempt++ {
		if err = p.Send(ctx, title, message); err == nil {
			logging.Get().Debug().Str("provider", p.Name()).Int("attempt", attempt).Msg("notification sent")
			return nil
		}
		logging.Get().Warn().Err(err).Str("provider", p.Name()).Int("attempt", attempt).Msg("notification attempt failed")
		if attempt == m.retry.Attempts {
			break
		}
		if serr := sleep(ctx, m.retry.delay(attempt)); serr != nil {
			return serr
		}
	}
	return err
}

func (r RetryPolicy) delay(attempt int) time.Duration {
	d := r.Backoff << uint(attempt-1)
	if r.Jitter > 0 {
		if n, err := crand.Int(crand.Reader, big.NewInt(int64(r.Jitter))); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}

// Wait blocks until background deliveries finish or ctx is done.
func (m *MultiNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
