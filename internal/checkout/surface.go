package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Overlay is the blocking layer shown beneath the gateway widget.
type Overlay interface {
	Remove()
}

// OverlayHost inserts blocking overlays.
type OverlayHost interface {
	InsertOverlay(zIndex int) (Overlay, error)
}

// PopupOpener tries to open and immediately close a blank popup.
type PopupOpener interface {
	TryPopup(ctx context.Context) (opened bool, err error)
}

// Frame describes the gateway frame as laid out in the host page.
type Frame struct {
	Source         string  `json:"source"`
	Width          float64 `json:"width"`
	Height         float64 `json:"height"`
	Display        string  `json:"display"`
	Top            float64 `json:"top"`
	Left           float64 `json:"left"`
	Bottom         float64 `json:"bottom"`
	Right          float64 `json:"right"`
	ViewportWidth  float64 `json:"viewportWidth"`
	ViewportHeight float64 `json:"viewportHeight"`
}

// FrameLocator locates the gateway frame whose source contains pattern.
type FrameLocator interface {
	FindFrame(ctx context.Context, pattern string) (Frame, bool, error)
}

// Visibility reasons.
const (
	ReasonNotFound        = "not_found"
	ReasonZeroSize        = "zero_size"
	ReasonDisplayNone     = "display_none"
	ReasonOutsideViewport = "outside_viewport"
)

type Visibility struct {
	Visible bool   `json:"visible"`
	Reason  string `json:"reason,omitempty"`
}

func evaluateFrame(f Frame) Visibility {
	switch {
	case f.Width <= 0 || f.Height <= 0:
		return Visibility{Reason: ReasonZeroSize}
	case strings.EqualFold(strings.TrimSpace(f.Display), "none"):
		return Visibility{Reason: ReasonDisplayNone}
	case f.Bottom < 0 || f.Right < 0 ||
		(f.ViewportHeight > 0 && f.Top > f.ViewportHeight) ||
		(f.ViewportWidth > 0 && f.Left > f.ViewportWidth):
		return Visibility{Reason: ReasonOutsideViewport}
	}
	return Visibility{Visible: true}
}

// HeadlessSurface stands in for the host page when the widget is rendered by a browser shim.
// It tracks overlays itself and answers diagnostics from the last reports the shim sent.
type HeadlessSurface struct {
	mu       sync.Mutex
	overlays map[*headlessOverlay]struct{}
	frame    *Frame
	blocked  bool
}

func NewHeadlessSurface() *HeadlessSurface {
	return &HeadlessSurface{overlays: make(map[*headlessOverlay]struct{})}
}

type headlessOverlay struct {
	surface *HeadlessSurface
	zIndex  int
}

func (o *headlessOverlay) Remove() {
	o.surface.mu.Lock()
	delete(o.surface.overlays, o)
	o.surface.mu.Unlock()
}

func (s *HeadlessSurface) InsertOverlay(zIndex int) (Overlay, error) {
	if zIndex <= 0 {
		return nil, errors.New("overlay: z-index must be positive")
	}
	o := &headlessOverlay{surface: s, zIndex: zIndex}
	s.mu.Lock()
	s.overlays[o] = struct{}{}
	s.mu.Unlock()
	return o, nil
}

// Overlays reports how many overlays are currently inserted.
func (s *HeadlessSurface) Overlays() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.overlays)
}

// ReportPopup records the shim's popup pre-flight result.
func (s *HeadlessSurface) ReportPopup(blocked bool) {
	s.mu.Lock()
	s.blocked = blocked
	s.mu.Unlock()
}

// ReportFrame records the layout of the gateway frame; nil means the frame was not found.
func (s *HeadlessSurface) ReportFrame(frame *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if frame == nil {
		s.frame = nil
		return
	}
	copied := *frame
	s.frame = &copied
}

func (s *HeadlessSurface) TryPopup(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.blocked, nil
}

func (s *HeadlessSurface) FindFrame(_ context.Context, pattern string) (Frame, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil || !strings.Contains(s.frame.Source, pattern) {
		return Frame{}, false, nil
	}
	return *s.frame, true, nil
}
