package checkout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPScriptLoaderCachesSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("window.Razorpay = function() {}"))
	}))
	defer srv.Close()

	loader := NewHTTPScriptLoader(srv.Client(), time.Second)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := loader.Load(ctx, srv.URL); err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one fetch, got %d", hits.Load())
	}

	loader.Remove(srv.URL)
	if err := loader.Load(ctx, srv.URL); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected refetch after remove, got %d", hits.Load())
	}
}

func TestHTTPScriptLoaderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	loader := NewHTTPScriptLoader(srv.Client(), time.Second)
	if err := loader.Load(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected error for 503")
	}
}
