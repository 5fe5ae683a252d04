// Package kv provides storage shared by every browser window of one portal profile,
// with change notifications delivered to the other windows.
package kv

import (
	"context"
	"errors"
)

// Change describes a write observed on a shared key. NewValue is nil when the key was removed.
type Change struct {
	Key      string
	OldValue []byte
	NewValue []byte
	Origin   string
}

// Removed reports whether the change deleted the key.
func (c Change) Removed() bool { return c.NewValue == nil }

// Store is one window's view of its profile's shared storage. Writes are last-write-wins.
// Watch callbacks fire only for writes made by other windows, never for the caller's own writes.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Watch(key string, fn func(Change)) (cancel func(), err error)
	Window() string
}

// Opener hands out window views for a profile.
type Opener interface {
	Open(profileID, windowID string) (Store, error)
}

var (
	ErrClosed        = errors.New("kv: storage closed")
	ErrInvalidWindow = errors.New("kv: profile and window identifiers are required")
)
