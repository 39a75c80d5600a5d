package governor

import (
	"sync"
	"time"
)

// ThrottleOptions configures leading/trailing edge behavior.
type ThrottleOptions struct {
	// Leading executes immediately when the wait period has elapsed since
	// the previous execution.
	Leading bool
	// Trailing schedules one execution at the end of the window with the
	// most recent argument, coalescing intermediate calls.
	Trailing bool
}

// Throttle wraps a function so it runs at most once per wait period.
type Throttle struct {
	mu       sync.Mutex
	fn       func(arg any)
	wait     time.Duration
	leading  bool
	trailing bool

	lastExec   time.Time
	timer      *time.Timer
	pendingArg any
	hasPending bool
}

// NewThrottle creates a throttle around fn. With no options both edges are
// enabled, matching the common case of "run now, then coalesce".
func NewThrottle(wait time.Duration, fn func(arg any), opts ...ThrottleOptions) *Throttle {
	o := ThrottleOptions{Leading: true, Trailing: true}
	if len(opts) > 0 {
		o = opts[0]
	}
	return &Throttle{fn: fn, wait: wait, leading: o.Leading, trailing: o.Trailing}
}

// Call invokes or schedules fn with arg according to the throttle window.
func (t *Throttle) Call(arg any) {
	t.mu.Lock()

	now := time.Now()
	sinceLast := now.Sub(t.lastExec)

	if t.leading && t.timer == nil && (t.lastExec.IsZero() || sinceLast >= t.wait) {
		t.lastExec = now
		t.mu.Unlock()
		t.fn(arg)
		return
	}

	if !t.trailing {
		t.mu.Unlock()
		return
	}

	t.pendingArg = arg
	t.hasPending = true
	if t.timer == nil {
		delay := t.wait - sinceLast
		if delay <= 0 || t.lastExec.IsZero() {
			delay = t.wait
		}
		t.timer = time.AfterFunc(delay, t.fire)
	}
	t.mu.Unlock()
}

func (t *Throttle) fire() {
	t.mu.Lock()
	if !t.hasPending {
		t.timer = nil
		t.mu.Unlock()
		return
	}
	arg := t.pendingArg
	t.pendingArg = nil
	t.hasPending = false
	t.timer = nil
	t.lastExec = time.Now()
	t.mu.Unlock()
	t.fn(arg)
}

// Cancel clears any pending trailing execution and resets internal timing.
func (t *Throttle) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pendingArg = nil
	t.hasPending = false
	t.lastExec = time.Time{}
}

// KeyedThrottle maintains one throttle per string key, lazily created on
// first use.
type KeyedThrottle struct {
	mu        sync.Mutex
	throttles map[string]*Throttle
	wait      time.Duration
	opts      ThrottleOptions
	fn        func(key string, arg any)
}

// NewKeyedThrottle creates a keyed throttle family around fn.
func NewKeyedThrottle(wait time.Duration, fn func(key string, arg any), opts ...ThrottleOptions) *KeyedThrottle {
	o := ThrottleOptions{Leading: true, Trailing: true}
	if len(opts) > 0 {
		o = opts[0]
	}
	return &KeyedThrottle{
		throttles: make(map[string]*Throttle),
		wait:      wait,
		opts:      o,
		fn:        fn,
	}
}

// Call routes arg through the throttle owned by key.
func (k *KeyedThrottle) Call(key string, arg any) {
	k.mu.Lock()
	t, ok := k.throttles[key]
	if !ok {
		key := key
		t = NewThrottle(k.wait, func(arg any) { k.fn(key, arg) }, k.opts)
		k.throttles[key] = t
	}
	k.mu.Unlock()
	t.Call(arg)
}

// Cancel cancels the throttle for key, if any.
func (k *KeyedThrottle) Cancel(key string) {
	k.mu.Lock()
	t, ok := k.throttles[key]
	if ok {
		delete(k.throttles, key)
	}
	k.mu.Unlock()
	if ok {
		t.Cancel()
	}
}

// CancelAll cancels every throttle. Used on shutdown.
func (k *KeyedThrottle) CancelAll() {
	k.mu.Lock()
	throttles := k.throttles
	k.throttles = make(map[string]*Throttle)
	k.mu.Unlock()
	for _, t := range throttles {
		t.Cancel()
	}
}
