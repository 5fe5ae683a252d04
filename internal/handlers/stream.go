package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/freightfox/portal/internal/checkout"
	"github.com/freightfox/portal/internal/platform/httpx"
	"github.com/freightfox/portal/internal/platform/requestctx"
)

const (
	streamBuffer    = 16
	streamKeepAlive = 15 * time.Second
)

type eventStream struct {
	w http.ResponseWriter
	f http.Flusher
}

func openEventStream(w http.ResponseWriter) (*eventStream, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &eventStream{w: w, f: f}, true
}

func (s *eventStream) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *eventStream) ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// stream pushes every state published for the profile, starting with the current one.
// A slow reader loses intermediate states but always sees the latest.
func (h *CheckoutHandlers) stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}

	updates := make(chan checkout.PaymentState, streamBuffer)
	unsubscribe := c.SubscribeToPaymentStateChanges(func(state checkout.PaymentState) {
		for {
			select {
			case updates <- state:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	es, ok := openEventStream(w)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("streaming_unsupported", "response does not support streaming", http.StatusInternalServerError))
		return
	}
	logger := requestctx.Logger(ctx)
	if err := es.send("state", c.State(ctx)); err != nil {
		return
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case state := <-updates:
			if err := es.send("state", state); err != nil {
				logger.Debug("checkout: state stream closed", zap.Error(err))
				return
			}
		case <-keepAlive.C:
			if err := es.ping(); err != nil {
				return
			}
		}
	}
}

type countdownTick struct {
	RemainingMs int64 `json:"remainingMs"`
}

// countdown streams the recovery countdown until the session expires or is gone.
func (h *CheckoutHandlers) countdown(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	if !c.Recovery(ctx).Available {
		writeCheckoutError(ctx, w, checkout.ErrSessionExpired)
		return
	}

	es, ok := openEventStream(w)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("streaming_unsupported", "response does not support streaming", http.StatusInternalServerError))
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.done:
			cancel()
		case <-runCtx.Done():
		}
	}()
	err := c.Countdown(runCtx, func(remaining time.Duration) {
		_ = es.send("tick", countdownTick{RemainingMs: remaining.Milliseconds()})
	})
	if err != nil && runCtx.Err() == nil {
		requestctx.Logger(ctx).Warn("checkout: countdown ended with error", zap.Error(err))
	}
	_ = es.send("done", c.Recovery(ctx))
}
