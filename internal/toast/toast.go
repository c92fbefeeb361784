package toast

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Variant string

const (
	VariantSuccess Variant = "success"
	VariantInfo    Variant = "info"
	VariantWarning Variant = "warning"
	VariantError   Variant = "error"
)

const DefaultDuration = 5 * time.Second

// Toast is a short-lived user-facing notice. A zero Duration takes the
// broadcaster default; a negative Duration never expires.
type Toast struct {
	ID        string
	Variant   Variant
	Title     string
	Message   string
	Duration  time.Duration
	CreatedAt time.Time
}

// Pusher is the narrow view the session and gateway layers depend on.
type Pusher interface {
	Push(t Toast) string
}

type Broadcaster struct {
	mu              sync.Mutex
	toasts          []Toast
	timers          map[string]scheduled
	seq             uint64
	defaultDuration time.Duration
	sink            func(Toast)
	now             func() time.Time
}

type scheduled struct {
	timer *time.Timer
	seq   uint64
}

type Option func(*Broadcaster)

// WithSink receives every pushed toast after it is queued.
func WithSink(fn func(Toast)) Option {
	return func(b *Broadcaster) { b.sink = fn }
}

func New(defaultDuration time.Duration, opts ...Option) *Broadcaster {
	if defaultDuration <= 0 {
		defaultDuration = DefaultDuration
	}
	b := &Broadcaster{
		timers:          make(map[string]scheduled),
		defaultDuration: defaultDuration,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broadcaster) Push(t Toast) string {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Variant == "" {
		t.Variant = VariantInfo
	}
	if t.Duration == 0 {
		t.Duration = b.defaultDuration
	}

	b.mu.Lock()
	t.CreatedAt = b.now()
	b.stopTimerLocked(t.ID)
	replaced := false
	for i := range b.toasts {
		if b.toasts[i].ID == t.ID {
			b.toasts[i] = t
			replaced = true
			break
		}
	}
	if !replaced {
		b.toasts = append(b.toasts, t)
	}
	if t.Duration > 0 {
		id := t.ID
		b.seq++
		seq := b.seq
		b.timers[id] = scheduled{timer: time.AfterFunc(t.Duration, func() { b.expire(id, seq) }), seq: seq}
	}
	sink := b.sink
	b.mu.Unlock()

	if sink != nil {
		sink(t)
	}
	return t.ID
}

func (b *Broadcaster) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Broadcaster) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.timers {
		b.stopTimerLocked(id)
	}
	b.toasts = nil
}

func (b *Broadcaster) List() []Toast {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Toast, len(b.toasts))
	copy(out, b.toasts)
	return out
}

// expire only removes the toast if the timer that fired is still the
// current one for that id; a re-push installs a new timer.
func (b *Broadcaster) expire(id string, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.timers[id]; !ok || current.seq != seq {
		return
	}
	b.removeLocked(id)
}

func (b *Broadcaster) removeLocked(id string) {
	b.stopTimerLocked(id)
	for i := range b.toasts {
		if b.toasts[i].ID == id {
			b.toasts = append(b.toasts[:i], b.toasts[i+1:]...)
			return
		}
	}
}

func (b *Broadcaster) stopTimerLocked(id string) {
	if current, ok := b.timers[id]; ok {
		current.timer.Stop()
		delete(b.timers, id)
	}
}
