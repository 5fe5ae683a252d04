package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/freightfox/portal/internal/platform/firestore"
)

const profilesCollection = "storage_profiles"

// Firestore keeps shared storage in storage_profiles/{profile}/entries/{key}, so windows served
// by different portal instances still observe each other through document snapshots.
type Firestore struct {
	provider *pfirestore.Provider
	logger   *zap.Logger
	now      func() time.Time
}

func NewFirestore(provider *pfirestore.Provider, logger *zap.Logger) *Firestore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Firestore{provider: provider, logger: logger, now: time.Now}
}

func (f *Firestore) Open(profileID, windowID string) (Store, error) {
	profileID, windowID = strings.TrimSpace(profileID), strings.TrimSpace(windowID)
	if profileID == "" || windowID == "" {
		return nil, ErrInvalidWindow
	}
	return &firestoreWindow{
		parent:  f,
		profile: profileID,
		window:  windowID,
		logger:  f.logger.With(zap.String("window_id", windowID)),
	}, nil
}

type firestoreEntry struct {
	Key       string    `firestore:"key"`
	Value     string    `firestore:"value"`
	Origin    string    `firestore:"origin"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

type firestoreWindow struct {
	parent  *Firestore
	profile string
	window  string
	logger  *zap.Logger
}

func (w *firestoreWindow) Window() string { return w.window }

func (w *firestoreWindow) doc(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := w.parent.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(key))
	return client.Collection(profilesCollection).Doc(w.profile).Collection("entries").Doc(hex.EncodeToString(sum[:16])), nil
}

func (w *firestoreWindow) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ref, err := w.doc(ctx, key)
	if err != nil {
		return nil, false, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, pfirestore.WrapError("kv.get", err)
	}
	var entry firestoreEntry
	if err := snap.DataTo(&entry); err != nil {
		return nil, false, pfirestore.WrapError("kv.decode", err)
	}
	return []byte(entry.Value), true, nil
}

func (w *firestoreWindow) Set(ctx context.Context, key string, value []byte) error {
	ref, err := w.doc(ctx, key)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, firestoreEntry{
		Key:       key,
		Value:     string(value),
		Origin:    w.window,
		UpdatedAt: w.parent.now().UTC(),
	})
	return pfirestore.WrapError("kv.set", err)
}

func (w *firestoreWindow) Remove(ctx context.Context, key string) error {
	ref, err := w.doc(ctx, key)
	if err != nil {
		return err
	}
	// Stamp the origin before deleting so watchers can attribute the removal.
	if _, err := ref.Update(ctx, []firestore.Update{{Path: "origin", Value: w.window}}); err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError("kv.remove", err)
	}
	_, err = ref.Delete(ctx)
	return pfirestore.WrapError("kv.remove", err)
}

// Watch listens to the key's document. The initial snapshot only seeds the previous value.
func (w *firestoreWindow) Watch(key string, fn func(Change)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	ref, err := w.doc(ctx, key)
	if err != nil {
		cancel()
		return nil, err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		it := ref.Snapshots(ctx)
		defer it.Stop()

		var (
			previous   []byte
			lastOrigin string
			seeded     bool
		)
		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("kv: snapshot listener stopped", zap.String("key", key), zap.Error(err))
				}
				return
			}

			var current []byte
			origin := lastOrigin
			if snap.Exists() {
				var entry firestoreEntry
				if err := snap.DataTo(&entry); err != nil {
					w.logger.Warn("kv: undecodable entry skipped", zap.String("key", key), zap.Error(err))
					continue
				}
				current = []byte(entry.Value)
				origin = entry.Origin
			}

			if !seeded {
				seeded = true
				previous, lastOrigin = current, origin
				continue
			}
			change := Change{Key: key, OldValue: previous, NewValue: current, Origin: origin}
			previous, lastOrigin = current, origin
			if change.Origin == w.window {
				continue
			}
			fn(change)
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}, nil
}
