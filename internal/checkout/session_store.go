package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/currency"

	"github.com/freightfox/portal/internal/platform/kv"
)

// SessionStoreDeps wires a SessionStore.
type SessionStoreDeps struct {
	Storage kv.Store
	Clock   Clock
	Logger  *zap.Logger
	TTL     time.Duration
}

// SessionStore persists the in-flight checkout in storage shared by the profile's windows.
// At most one session exists per profile; saving overwrites.
type SessionStore struct {
	storage kv.Store
	clock   Clock
	logger  *zap.Logger
	ttl     time.Duration
}

func NewSessionStore(deps SessionStoreDeps) (*SessionStore, error) {
	if deps.Storage == nil {
		return nil, errors.New("session store: storage is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		storage: deps.Storage,
		clock:   clockOrDefault(deps.Clock),
		logger:  logger,
		ttl:     ttl,
	}, nil
}

// Save records session with an expiry of ttl from now. A zero ttl uses the store default.
// Sessions without an order id are logged and dropped.
func (s *SessionStore) Save(ctx context.Context, session PaymentSession, ttl time.Duration) error {
	session.OrderID = strings.TrimSpace(session.OrderID)
	if session.OrderID == "" {
		s.logger.Warn("checkout: session without order id not saved")
		return nil
	}
	session.Currency = strings.ToUpper(strings.TrimSpace(session.Currency))
	if _, err := currency.ParseISO(session.Currency); err != nil {
		s.logger.Warn("checkout: session with invalid currency not saved",
			zap.String("order_id", session.OrderID), zap.String("currency", session.Currency))
		return nil
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := s.clock.Now().UTC()
	session.SavedAt = now
	session.ExpiresAt = now.Add(ttl)

	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.storage.Set(ctx, SessionKey, payload)
}

// Get returns the stored session while it is still valid. Expired or unreadable sessions are
// deleted and reported as absent.
func (s *SessionStore) Get(ctx context.Context) (PaymentSession, bool) {
	raw, ok, err := s.storage.Get(ctx, SessionKey)
	if err != nil {
		s.logger.Warn("checkout: session read failed", zap.Error(err))
		return PaymentSession{}, false
	}
	if !ok {
		return PaymentSession{}, false
	}

	var session PaymentSession
	if err := json.Unmarshal(raw, &session); err != nil || session.OrderID == "" {
		s.logger.Warn("checkout: discarding unreadable session", zap.Error(err))
		s.remove(ctx, SessionKey)
		return PaymentSession{}, false
	}
	if !s.clock.Now().Before(session.ExpiresAt) {
		s.logger.Debug("checkout: session expired", zap.String("order_id", session.OrderID))
		s.remove(ctx, SessionKey)
		return PaymentSession{}, false
	}
	return session, true
}

// Clear removes the session and the lifecycle state that belongs to it.
func (s *SessionStore) Clear(ctx context.Context) error {
	return errors.Join(
		s.storage.Remove(ctx, SessionKey),
		s.storage.Remove(ctx, StateKey),
	)
}

func (s *SessionStore) remove(ctx context.Context, key string) {
	if err := s.storage.Remove(ctx, key); err != nil {
		s.logger.Warn("checkout: storage remove failed", zap.String("key", key), zap.Error(err))
	}
}
