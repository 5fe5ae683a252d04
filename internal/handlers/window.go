package handlers

import (
	"net/http"

	"github.com/freightfox/portal/internal/platform/observability"
	"github.com/freightfox/portal/internal/platform/requestctx"
)

// WindowHeader names the browser window a request comes from. Windows of one profile share
// payment state but each hosts its own checkout widget.
const WindowHeader = "X-Portal-Window"

// WindowMiddleware records the sanitised window id on the request context.
func WindowMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := observability.SanitizeWindowID(r.Header.Get(WindowHeader))
		if id == "" {
			id = r.URL.Query().Get("window")
			id = observability.SanitizeWindowID(id)
		}
		next.ServeHTTP(w, r.WithContext(requestctx.WithWindow(r.Context(), id)))
	})
}
