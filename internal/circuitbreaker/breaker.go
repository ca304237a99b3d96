// Package circuitbreaker sheds outbound gateway traffic per operation.
//
// An operation trips after a run of consecutive failures. While tripped its
// calls fail fast until the cool-down lapses; then a single trial call is let
// through and its outcome decides whether traffic resumes.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is derived from a gate, never stored.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Settings tune a Breaker. Zero values take the defaults.
type Settings struct {
	FailureThreshold int           // consecutive failures that trip; default 5
	CoolDown         time.Duration // time tripped before a trial call; default 30s
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.CoolDown <= 0 {
		s.CoolDown = 30 * time.Second
	}
	return s
}

// Transition is published after a key changes state.
type Transition struct {
	Key      string
	From, To State
	At       time.Time
}

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentwallet",
		Subsystem: "gateway_circuit",
		Name:      "transitions_total",
		Help:      "Gateway circuit state changes by operation and new state.",
	}, []string{"operation", "to"})

	tripped = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentwallet",
		Subsystem: "gateway_circuit",
		Name:      "tripped",
		Help:      "1 while an operation's circuit is open or half-open.",
	}, []string{"operation"})
)

func init() {
	prometheus.MustRegister(transitions, tripped)
}

type gate struct {
	streak   int
	reopenAt time.Time // zero while closed
	trial    bool
}

func (g *gate) state() State {
	switch {
	case g.trial:
		return HalfOpen
	case !g.reopenAt.IsZero():
		return Open
	}
	return Closed
}

// Breaker keeps one gate per key. Unseen keys are closed.
type Breaker struct {
	settings Settings
	clock    func() time.Time

	mu        sync.Mutex
	gates     map[string]*gate
	listeners []func(Transition)
}

func New(s Settings) *Breaker {
	return &Breaker{
		settings: s.withDefaults(),
		clock:    time.Now,
		gates:    make(map[string]*gate),
	}
}

// Subscribe adds fn to the listeners called after each state change. Calls
// happen on the reporting goroutine with no lock held.
func (b *Breaker) Subscribe(fn func(Transition)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Allow reports whether a call for key may go out. Once the cool-down has
// lapsed the first caller becomes the trial call and later callers are
// refused until it reports.
func (b *Breaker) Allow(key string) bool {
	return b.update(key, func(g *gate, now time.Time) bool {
		if g.reopenAt.IsZero() {
			return true
		}
		if g.trial || now.Before(g.reopenAt) {
			return false
		}
		g.trial = true
		return true
	})
}

// Report records the outcome of a call allowed for key. A nil err closes
// the circuit. A failure trips it when the run reaches the threshold or
// when it was the trial call.
func (b *Breaker) Report(key string, err error) {
	b.update(key, func(g *gate, now time.Time) bool {
		if err == nil {
			*g = gate{}
			return true
		}
		g.streak++
		if g.trial || g.streak >= b.settings.FailureThreshold {
			g.trial = false
			g.reopenAt = now.Add(b.settings.CoolDown)
		}
		return true
	})
}

// State returns key's current state.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.gates[key]; ok {
		return g.state()
	}
	return Closed
}

// RetryAfter is how long key stays open. Zero unless the circuit is open.
func (b *Breaker) RetryAfter(key string) time.Duration {
	now := b.clock()
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.gates[key]
	if !ok || g.state() != Open || !now.Before(g.reopenAt) {
		return 0
	}
	return g.reopenAt.Sub(now)
}

func (b *Breaker) update(key string, fn func(g *gate, now time.Time) bool) bool {
	now := b.clock()

	b.mu.Lock()
	g, ok := b.gates[key]
	if !ok {
		g = &gate{}
		b.gates[key] = g
	}
	from := g.state()
	allowed := fn(g, now)
	to := g.state()
	listeners := b.listeners
	b.mu.Unlock()

	if from != to {
		publish(Transition{Key: key, From: from, To: to, At: now}, listeners)
	}
	return allowed
}

func publish(t Transition, listeners []func(Transition)) {
	transitions.WithLabelValues(t.Key, string(t.To)).Inc()
	if t.To == Closed {
		tripped.WithLabelValues(t.Key).Set(0)
	} else {
		tripped.WithLabelValues(t.Key).Set(1)
	}
	for _, fn := range listeners {
		fn(t)
	}
}
