package registry

import (
	"context"
	"net/http"
	"sync"

	"github.com/coriolis-labs/peerlink/pkg/peer"
)

// wrapWithFailuresFirst returns a handler that fails the first n requests
// with a 503 before delegating to next, so tests can exercise
// Client.UpdateWithRetry's backoff against a transient registry hiccup.
func wrapWithFailuresFirst(attempts *int, n int, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*attempts++
		if *attempts <= n {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fakeStore is an in-memory Storer used by api_test.go and client_test.go
// so the HTTP surface is exercised without a live Redis/Dragonfly instance.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]peer.Entry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]peer.Entry)}
}

func (f *fakeStore) Upsert(ctx context.Context, e peer.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[peer.EntryKey(e)] = e
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, e peer.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, peer.EntryKey(e))
	return nil
}

func (f *fakeStore) List(ctx context.Context) ([]peer.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]peer.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}
