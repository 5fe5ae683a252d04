package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/freightfox/portal/internal/domain"
	"github.com/freightfox/portal/internal/platform/kv"
)

// NoticeKey holds the profile's outstanding reconciliation notice.
const NoticeKey = "freightfox.payment.notice"

// NoticeBoardDeps wires a NoticeBoard.
type NoticeBoardDeps struct {
	Storage         kv.Store
	Reconciliations ReconciliationSink
	Logger          *zap.Logger
}

// NoticeBoard keeps the latest captured-but-unsaved payment visible to every window of the
// profile until support resolves it or the order is written after all.
type NoticeBoard struct {
	storage kv.Store
	recon   ReconciliationSink
	logger  *zap.Logger
}

func NewNoticeBoard(deps NoticeBoardDeps) (*NoticeBoard, error) {
	if deps.Storage == nil {
		return nil, errors.New("notice board: storage is required")
	}
	if deps.Reconciliations == nil {
		return nil, errors.New("notice board: reconciliation sink is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoticeBoard{storage: deps.Storage, recon: deps.Reconciliations, logger: logger}, nil
}

// Post replaces the outstanding notice. The draft is not kept on the board.
func (n *NoticeBoard) Post(ctx context.Context, notice domain.ReconciliationNotice) error {
	notice.Draft = nil
	notice.Reason = ErrOrderPersistence.Error()
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	return n.storage.Set(ctx, NoticeKey, payload)
}

// Current returns the outstanding notice, or nil. A notice support has resolved is removed.
// When the resolution cannot be checked the stored notice is returned as is.
func (n *NoticeBoard) Current(ctx context.Context) *domain.ReconciliationNotice {
	raw, ok, err := n.storage.Get(ctx, NoticeKey)
	if err != nil {
		n.logger.Warn("checkout: read reconciliation notice", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	var notice domain.ReconciliationNotice
	if err := json.Unmarshal(raw, &notice); err != nil || notice.PaymentID == "" {
		n.logger.Warn("checkout: discarding unreadable reconciliation notice", zap.Error(err))
		n.clear(ctx)
		return nil
	}
	if notice.ID == "" {
		return &notice
	}
	stored, err := n.recon.Get(ctx, notice.ID)
	if err != nil {
		n.logger.Debug("checkout: reconciliation status unavailable", zap.String("notice_id", notice.ID), zap.Error(err))
		return &notice
	}
	if stored.Resolved {
		n.clear(ctx)
		return nil
	}
	return &notice
}

// Settle removes the outstanding notice if it belongs to paymentID.
func (n *NoticeBoard) Settle(ctx context.Context, paymentID string) {
	raw, ok, err := n.storage.Get(ctx, NoticeKey)
	if err != nil || !ok {
		return
	}
	var notice domain.ReconciliationNotice
	if err := json.Unmarshal(raw, &notice); err == nil && notice.PaymentID != strings.TrimSpace(paymentID) {
		return
	}
	n.clear(ctx)
}

func (n *NoticeBoard) clear(ctx context.Context) {
	if err := n.storage.Remove(ctx, NoticeKey); err != nil {
		n.logger.Warn("checkout: remove reconciliation notice", zap.Error(err))
	}
}
