package governor

import (
	"sync"
	"time"
)

// DebounceOptions configures a Debounce.
type DebounceOptions struct {
	// Leading executes immediately on the first call of a burst.
	Leading bool
	// MaxWait forces execution once this much time has passed since the
	// first deferred call, even under continuous calling. Zero disables it.
	MaxWait time.Duration
}

// Debounce wraps a function so it runs only after the wait period has
// elapsed with no further calls.
type Debounce struct {
	mu      sync.Mutex
	fn      func(arg any)
	wait    time.Duration
	leading bool
	maxWait time.Duration

	timer      *time.Timer
	maxTimer   *time.Timer
	pendingArg any
	hasPending bool
	inWindow   bool
}

// NewDebounce creates a debounce around fn.
func NewDebounce(wait time.Duration, fn func(arg any), opts ...DebounceOptions) *Debounce {
	var o DebounceOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return &Debounce{fn: fn, wait: wait, leading: o.Leading, maxWait: o.MaxWait}
}

// Call defers execution of fn with arg until wait has passed without
// another Call.
func (d *Debounce) Call(arg any) {
	d.mu.Lock()

	if d.leading && !d.inWindow {
		d.inWindow = true
		d.resetTimerLocked()
		d.mu.Unlock()
		d.fn(arg)
		return
	}

	d.inWindow = true
	d.pendingArg = arg
	d.hasPending = true
	d.resetTimerLocked()
	if d.maxWait > 0 && d.maxTimer == nil {
		d.maxTimer = time.AfterFunc(d.maxWait, d.fire)
	}
	d.mu.Unlock()
}

func (d *Debounce) resetTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, d.fire)
}

func (d *Debounce) fire() {
	d.mu.Lock()
	d.stopTimersLocked()
	d.inWindow = false
	if !d.hasPending {
		d.mu.Unlock()
		return
	}
	arg := d.pendingArg
	d.pendingArg = nil
	d.hasPending = false
	d.mu.Unlock()
	d.fn(arg)
}

// Flush executes any pending call immediately.
func (d *Debounce) Flush() {
	d.fire()
}

// Cancel drops any pending call and resets the debounce.
func (d *Debounce) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopTimersLocked()
	d.pendingArg = nil
	d.hasPending = false
	d.inWindow = false
}

func (d *Debounce) stopTimersLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.maxTimer != nil {
		d.maxTimer.Stop()
		d.maxTimer = nil
	}
}

// KeyedDebounce maintains one debounce per string key, lazily created on
// first use.
type KeyedDebounce struct {
	mu        sync.Mutex
	debounces map[string]*Debounce
	wait      time.Duration
	opts      DebounceOptions
	fn        func(key string, arg any)
}

// NewKeyedDebounce creates a keyed debounce family around fn.
func NewKeyedDebounce(wait time.Duration, fn func(key string, arg any), opts ...DebounceOptions) *KeyedDebounce {
	var o DebounceOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return &KeyedDebounce{
		debounces: make(map[string]*Debounce),
		wait:      wait,
		opts:      o,
		fn:        fn,
	}
}

// Call routes arg through the debounce owned by key.
func (k *KeyedDebounce) Call(key string, arg any) {
	k.mu.Lock()
	d, ok := k.debounces[key]
	if !ok {
		key := key
		d = NewDebounce(k.wait, func(arg any) { k.fn(key, arg) }, k.opts)
		k.debounces[key] = d
	}
	k.mu.Unlock()
	d.Call(arg)
}

// Cancel cancels the debounce for key, if any.
func (k *KeyedDebounce) Cancel(key string) {
	k.mu.Lock()
	d, ok := k.debounces[key]
	if ok {
		delete(k.debounces, key)
	}
	k.mu.Unlock()
	if ok {
		d.Cancel()
	}
}

// CancelAll cancels every debounce. Used on shutdown.
func (k *KeyedDebounce) CancelAll() {
	k.mu.Lock()
	debounces := k.debounces
	k.debounces = make(map[string]*Debounce)
	k.mu.Unlock()
	for _, d := range debounces {
		d.Cancel()
	}
}
