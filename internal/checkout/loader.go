package checkout

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ScriptLoader makes the gateway SDK available. Remove discards a failed load so the next
// attempt starts from a clean slate.
type ScriptLoader interface {
	Load(ctx context.Context, url string) error
	Remove(url string)
}

// HTTPScriptLoader checks that the SDK script is reachable before the browser shim is told to
// inject it. Successful loads are remembered until removed.
type HTTPScriptLoader struct {
	client  *http.Client
	timeout time.Duration

	mu     sync.Mutex
	loaded map[string]struct{}
}

func NewHTTPScriptLoader(client *http.Client, timeout time.Duration) *HTTPScriptLoader {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPScriptLoader{client: client, timeout: timeout, loaded: make(map[string]struct{})}
}

func (l *HTTPScriptLoader) Load(ctx context.Context, url string) error {
	l.mu.Lock()
	_, ok := l.loaded[url]
	l.mu.Unlock()
	if ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("script %s: unexpected status %d", url, resp.StatusCode)
	}

	l.mu.Lock()
	l.loaded[url] = struct{}{}
	l.mu.Unlock()
	return nil
}

func (l *HTTPScriptLoader) Remove(url string) {
	l.mu.Lock()
	delete(l.loaded, url)
	l.mu.Unlock()
}
