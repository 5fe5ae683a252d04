package kv

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/zoobzio/hookz"
	"go.uber.org/zap"
)

const defaultQueueSize = 256

// Memory keeps each profile's storage in process. Cross-window notifications are queued on a
// per-profile hookz service with a single worker, so other windows observe writes in order but
// never synchronously with the writer.
type Memory struct {
	logger  *zap.Logger
	workers int

	mu       sync.Mutex
	profiles map[string]*memoryProfile
	closed   bool
}

type memoryProfile struct {
	mu     sync.RWMutex
	values map[string][]byte
	hooks  *hookz.Hooks[Change]
}

// MemoryOption customises Memory.
type MemoryOption func(*Memory)

func WithLogger(logger *zap.Logger) MemoryOption {
	return func(m *Memory) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithFanoutWorkers sets the notification worker count per profile. More than one worker
// trades per-key ordering for throughput.
func WithFanoutWorkers(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.workers = n
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		logger:   zap.NewNop(),
		workers:  1,
		profiles: make(map[string]*memoryProfile),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open returns the view of profileID's storage as seen from windowID.
func (m *Memory) Open(profileID, windowID string) (Store, error) {
	profileID, windowID = strings.TrimSpace(profileID), strings.TrimSpace(windowID)
	if profileID == "" || windowID == "" {
		return nil, ErrInvalidWindow
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	p, ok := m.profiles[profileID]
	if !ok {
		p = &memoryProfile{
			values: make(map[string][]byte),
			hooks:  hookz.New[Change](hookz.WithWorkers(m.workers), hookz.WithQueueSize(defaultQueueSize)),
		}
		m.profiles[profileID] = p
	}
	return &memoryWindow{profile: p, window: windowID, logger: m.logger.With(zap.String("window_id", windowID))}, nil
}

// Close stops notification delivery for every profile, draining queued changes first.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, p := range m.profiles {
		_ = p.hooks.Close()
	}
	return nil
}

type memoryWindow struct {
	profile *memoryProfile
	window  string
	logger  *zap.Logger
}

func (w *memoryWindow) Window() string { return w.window }

func (w *memoryWindow) Get(_ context.Context, key string) ([]byte, bool, error) {
	w.profile.mu.RLock()
	defer w.profile.mu.RUnlock()
	value, ok := w.profile.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (w *memoryWindow) Set(_ context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	stored := append([]byte(nil), value...)

	w.profile.mu.Lock()
	old, existed := w.profile.values[key]
	w.profile.values[key] = stored
	w.profile.mu.Unlock()

	if existed && bytes.Equal(old, stored) {
		return nil
	}
	w.notify(Change{Key: key, OldValue: old, NewValue: stored, Origin: w.window})
	return nil
}

func (w *memoryWindow) Remove(_ context.Context, key string) error {
	w.profile.mu.Lock()
	old, existed := w.profile.values[key]
	delete(w.profile.values, key)
	w.profile.mu.Unlock()

	if !existed {
		return nil
	}
	w.notify(Change{Key: key, OldValue: old, Origin: w.window})
	return nil
}

func (w *memoryWindow) notify(change Change) {
	if err := w.profile.hooks.Emit(context.Background(), hookz.Key(change.Key), change); err != nil {
		w.logger.Warn("kv: change notification dropped", zap.String("key", change.Key), zap.Error(err))
	}
}

func (w *memoryWindow) Watch(key string, fn func(Change)) (func(), error) {
	window := w.window
	hook, err := w.profile.hooks.Hook(hookz.Key(key), func(_ context.Context, change Change) error {
		if change.Origin == window {
			return nil
		}
		fn(change)
		return nil
	})
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { _ = hook.Unhook() })
	}, nil
}
