package detached

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/preflight/pkg/client"
	"github.com/odvcencio/preflight/pkg/events"
	"github.com/odvcencio/preflight/pkg/origin"
)

type fakeFetcher struct {
	mu      sync.Mutex
	fetched []string
	ctxErrs []error
	code    int
	err     error
	done    chan struct{}
}

func newFakeFetcher(code int) *fakeFetcher {
	return &fakeFetcher{code: code, done: make(chan struct{}, 16)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL, _ string) (int, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, rawURL)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()
	f.done <- struct{}{}
	return f.code, f.err
}

func (f *fakeFetcher) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func (f *fakeFetcher) contextErrs() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.ctxErrs...)
}

const testToken = client.Token("session-1")

func newTestValidator(t *testing.T, fetcher Fetcher, hub *events.Hub) (*Validator, *client.Manager) {
	t.Helper()
	sessions := client.NewManager()
	require.True(t, sessions.NewSession(testToken, 1000, "com.example.app", nil))
	require.True(t, sessions.SetAllowParallelRequest(testToken, true))
	require.True(t, sessions.SetAllowResourcePrefetch(testToken, true))

	ref, ok := origin.Parse("https://first-party.example.com")
	require.True(t, ok)
	require.True(t, sessions.AddVerifiedOrigin(testToken, ref))

	return NewValidator(sessions, origin.NewStaticVerifier(), fetcher, hub), sessions
}

func TestHandleParallelRequestSuccess(t *testing.T) {
	fetcher := newFakeFetcher(200)
	hub := events.NewHub()
	defer hub.Close()
	ch, unsub := hub.SubscribeToken(string(testToken))
	defer unsub()

	v, _ := newTestValidator(t, fetcher, hub)

	status := v.HandleParallelRequest(context.Background(), testToken, Request{
		URL:      "https://cdn.example.com/resource.js",
		Referrer: "https://first-party.example.com",
	})
	require.Equal(t, StatusSuccess, status)

	// Requested fires synchronously, completed after the fetch lands.
	requested := <-ch
	assert.Equal(t, events.EventDetachedRequested, requested.Type)
	assert.Equal(t, StatusSuccess.String(), requested.Data["status"])

	select {
	case <-fetcher.done:
	case <-time.After(time.Second):
		t.Fatal("fetch never dispatched")
	}
	completed := <-ch
	assert.Equal(t, events.EventDetachedCompleted, completed.Type)
	assert.Equal(t, 200, completed.Data["net_result"])
	assert.Equal(t, []string{"https://cdn.example.com/resource.js"}, fetcher.urls())
}

func TestHandleParallelRequestValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(sessions *client.Manager)
		req   Request
		want  Status
	}{
		{
			name: "empty url",
			req:  Request{URL: "", Referrer: "https://first-party.example.com"},
			want: StatusNoRequest,
		},
		{
			name: "session disallows",
			setup: func(sessions *client.Manager) {
				sessions.SetAllowParallelRequest(testToken, false)
			},
			req:  Request{URL: "https://cdn.example.com/a", Referrer: "https://first-party.example.com"},
			want: StatusFailureSessionDisallowed,
		},
		{
			name: "app link scheme",
			req:  Request{URL: "android-app://com.example/thing", Referrer: "https://first-party.example.com"},
			want: StatusFailureInvalidURL,
		},
		{
			name: "schemeless url",
			req:  Request{URL: "cdn.example.com/a", Referrer: "https://first-party.example.com"},
			want: StatusFailureInvalidURL,
		},
		{
			name: "malformed referrer",
			req:  Request{URL: "https://cdn.example.com/a", Referrer: "not an origin"},
			want: StatusFailureInvalidReferrer,
		},
		{
			name: "unverified referrer",
			req:  Request{URL: "https://cdn.example.com/a", Referrer: "https://third-party.example.net"},
			want: StatusFailureInvalidReferrerForSession,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := newFakeFetcher(200)
			v, sessions := newTestValidator(t, fetcher, nil)
			if tt.setup != nil {
				tt.setup(sessions)
			}

			status := v.HandleParallelRequest(context.Background(), testToken, tt.req)
			assert.Equal(t, tt.want, status)
			assert.Empty(t, fetcher.urls(), "rejected requests must not fetch")
		})
	}
}

func TestHandleParallelRequestUnknownToken(t *testing.T) {
	fetcher := newFakeFetcher(200)
	v, _ := newTestValidator(t, fetcher, nil)

	status := v.HandleParallelRequest(context.Background(), "no-such-session", Request{
		URL:      "https://cdn.example.com/a",
		Referrer: "https://first-party.example.com",
	})
	assert.Equal(t, StatusFailureNotInitialized, status)
	assert.Empty(t, fetcher.urls())
}

func TestHandleParallelRequestFetchError(t *testing.T) {
	fetcher := newFakeFetcher(0)
	fetcher.err = errors.New("connection refused")
	hub := events.NewHub()
	defer hub.Close()
	ch, unsub := hub.SubscribeToken(string(testToken))
	defer unsub()

	v, _ := newTestValidator(t, fetcher, hub)
	status := v.HandleParallelRequest(context.Background(), testToken, Request{
		URL:      "https://unreachable.example.com/",
		Referrer: "https://first-party.example.com",
	})
	require.Equal(t, StatusSuccess, status)

	<-ch // requested
	select {
	case <-fetcher.done:
	case <-time.After(time.Second):
		t.Fatal("fetch never dispatched")
	}
	completed := <-ch
	require.Equal(t, events.EventDetachedCompleted, completed.Type)
	assert.Equal(t, 0, completed.Data["net_result"])
	assert.Contains(t, completed.Data["error"], "DETACHED_FETCH")
	assert.Contains(t, completed.Data["error"], "connection refused")
}

func TestAcceptedFetchOutlivesCallerContext(t *testing.T) {
	fetcher := newFakeFetcher(200)
	hub := events.NewHub()
	defer hub.Close()
	ch, unsub := hub.SubscribeToken(string(testToken))
	defer unsub()

	v, _ := newTestValidator(t, fetcher, hub)

	// The IPC request context is gone before the fetch even starts; the
	// accepted fetch must still run to completion with its own lifetime.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status := v.HandleParallelRequest(ctx, testToken, Request{
		URL:      "https://cdn.example.com/resource.js",
		Referrer: "https://first-party.example.com",
	})
	require.Equal(t, StatusSuccess, status)

	<-ch // requested
	select {
	case <-fetcher.done:
	case <-time.After(time.Second):
		t.Fatal("fetch never dispatched")
	}
	require.Equal(t, []error{nil}, fetcher.contextErrs())

	completed := <-ch
	require.Equal(t, events.EventDetachedCompleted, completed.Type)
	assert.Equal(t, 200, completed.Data["net_result"])
	assert.NotContains(t, completed.Data, "error")
}

func TestHTTPFetcherSetsHeaders(t *testing.T) {
	var gotReferer, gotUserAgent string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		gotUserAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	fetcher := NewHTTPFetcher(time.Second, "preflight-test/1")
	code, err := fetcher.Fetch(context.Background(), upstream.URL, "https://first-party.example.com")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, "https://first-party.example.com", gotReferer)
	assert.Equal(t, "preflight-test/1", gotUserAgent)
}

func TestMaybePrefetchResourcesPartialValidity(t *testing.T) {
	fetcher := newFakeFetcher(200)
	v, _ := newTestValidator(t, fetcher, nil)

	count := v.MaybePrefetchResources(context.Background(), testToken, []string{
		"https://cdn.example.com/a.css",
		"android-app://com.example/bad",
		"https://cdn.example.com/b.js",
		"",
	}, "https://first-party.example.com")
	assert.Equal(t, 2, count)

	for i := 0; i < 2; i++ {
		select {
		case <-fetcher.done:
		case <-time.After(time.Second):
			t.Fatal("prefetch never dispatched")
		}
	}
	assert.ElementsMatch(t, []string{
		"https://cdn.example.com/a.css",
		"https://cdn.example.com/b.js",
	}, fetcher.urls())
}

func TestMaybePrefetchResourcesPolicyGates(t *testing.T) {
	t.Run("prefetch disallowed", func(t *testing.T) {
		fetcher := newFakeFetcher(200)
		v, sessions := newTestValidator(t, fetcher, nil)
		sessions.SetAllowResourcePrefetch(testToken, false)

		count := v.MaybePrefetchResources(context.Background(), testToken,
			[]string{"https://cdn.example.com/a"}, "https://first-party.example.com")
		assert.Zero(t, count)
		assert.Empty(t, fetcher.urls())
	})

	t.Run("unverified referrer", func(t *testing.T) {
		fetcher := newFakeFetcher(200)
		v, _ := newTestValidator(t, fetcher, nil)

		count := v.MaybePrefetchResources(context.Background(), testToken,
			[]string{"https://cdn.example.com/a"}, "https://third-party.example.net")
		assert.Zero(t, count)
		assert.Empty(t, fetcher.urls())
	})

	t.Run("empty list", func(t *testing.T) {
		fetcher := newFakeFetcher(200)
		v, _ := newTestValidator(t, fetcher, nil)

		count := v.MaybePrefetchResources(context.Background(), testToken,
			nil, "https://first-party.example.com")
		assert.Zero(t, count)
	})

	t.Run("unknown token", func(t *testing.T) {
		fetcher := newFakeFetcher(200)
		v, _ := newTestValidator(t, fetcher, nil)

		count := v.MaybePrefetchResources(context.Background(), "no-such-session",
			[]string{"https://cdn.example.com/a"}, "https://first-party.example.com")
		assert.Zero(t, count)
	})
}

func TestFetchableScheme(t *testing.T) {
	assert.True(t, fetchableScheme("https://example.com/x"))
	assert.True(t, fetchableScheme("http://example.com"))
	assert.False(t, fetchableScheme("android-app://com.example/x"))
	assert.False(t, fetchableScheme("about:blank"))
	assert.False(t, fetchableScheme(""))
	assert.False(t, fetchableScheme("example.com/no-scheme"))
	assert.False(t, fetchableScheme("https://"))
}
