package client

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/preflight/pkg/origin"
)

func TestNewSession(t *testing.T) {
	m := NewManager()

	assert.False(t, m.NewSession("", 100, "com.example.app", nil), "empty token must fail")
	assert.True(t, m.NewSession("t1", 100, "com.example.app", nil))

	rec, ok := m.GetSession("t1")
	require.True(t, ok)
	assert.Equal(t, Token("t1"), rec.Token)
	assert.Equal(t, 100, rec.UID)
	assert.Equal(t, "com.example.app", rec.PackageName)
	assert.False(t, rec.CanUseHiddenTab, "flags default to off")
}

func TestNewSession_ReRegisterUpdatesWithoutDuplicate(t *testing.T) {
	m := NewManager()

	var firstCalled, secondCalled bool
	assert.True(t, m.NewSession("t1", 100, "com.example.app", func(Token) { firstCalled = true }))
	m.SetCanUseHiddenTab("t1", true)

	// Second registration succeeds, replaces the callback, keeps flags.
	assert.True(t, m.NewSession("t1", 100, "com.example.app", func(Token) { secondCalled = true }))
	assert.Equal(t, 1, m.SessionCount())

	rec, _ := m.GetSession("t1")
	assert.True(t, rec.CanUseHiddenTab, "re-registration must not reset flags")

	m.CleanupSession("t1")
	assert.False(t, firstCalled, "stale callback must not fire")
	assert.True(t, secondCalled)
}

func TestGetSession_Unknown(t *testing.T) {
	m := NewManager()
	_, ok := m.GetSession("missing")
	assert.False(t, ok)
}

func TestCleanupSession_Idempotent(t *testing.T) {
	m := NewManager()

	calls := 0
	m.NewSession("t1", 100, "", func(Token) { calls++ })

	m.CleanupSession("t1")
	m.CleanupSession("t1")
	m.CleanupSession("never-existed")

	assert.Equal(t, 1, calls, "disconnect callback fires exactly once")
	assert.Equal(t, 0, m.SessionCount())
}

func TestCleanupSession_CallbackMayReenter(t *testing.T) {
	m := NewManager()

	m.NewSession("t1", 100, "", func(token Token) {
		// Callbacks run outside the lock; re-entry must not deadlock.
		_, ok := m.GetSession(token)
		assert.False(t, ok)
	})
	m.CleanupSession("t1")
}

func TestCleanupAll(t *testing.T) {
	m := NewManager()

	var mu sync.Mutex
	cleaned := map[Token]bool{}
	cb := func(token Token) {
		mu.Lock()
		cleaned[token] = true
		mu.Unlock()
	}

	m.NewSession("t1", 1, "", cb)
	m.NewSession("t2", 2, "", cb)
	m.CleanupAll()

	assert.Equal(t, 0, m.SessionCount())
	assert.True(t, cleaned["t1"])
	assert.True(t, cleaned["t2"])
}

func TestSetters_UnknownTokenNoOp(t *testing.T) {
	m := NewManager()

	assert.False(t, m.SetCanUseHiddenTab("missing", true))
	assert.False(t, m.SetIgnoreURLFragments("missing", true))
	assert.False(t, m.SetAllowParallelRequest("missing", true))
	assert.False(t, m.SetAllowResourcePrefetch("missing", true))
	assert.False(t, m.SetShouldGetPageLoadMetrics("missing", true))
	assert.False(t, m.SetSpeculateOnCellular("missing", true))
	assert.False(t, m.SetDefaultReferrer("missing", "https://ref.example"))
}

func TestSetters_MutateSnapshot(t *testing.T) {
	m := NewManager()
	m.NewSession("t1", 100, "", nil)

	before, _ := m.GetSession("t1")

	assert.True(t, m.SetCanUseHiddenTab("t1", true))
	assert.True(t, m.SetIgnoreURLFragments("t1", true))
	assert.True(t, m.SetAllowParallelRequest("t1", true))
	assert.True(t, m.SetAllowResourcePrefetch("t1", true))
	assert.True(t, m.SetShouldGetPageLoadMetrics("t1", true))
	assert.True(t, m.SetSpeculateOnCellular("t1", true))
	assert.True(t, m.SetDefaultReferrer("t1", "https://ref.example"))

	after, _ := m.GetSession("t1")
	assert.True(t, after.CanUseHiddenTab)
	assert.True(t, after.IgnoreURLFragments)
	assert.True(t, after.AllowParallelRequest)
	assert.True(t, after.AllowResourcePrefetch)
	assert.True(t, after.ShouldGetPageLoadMetrics)
	assert.True(t, after.SpeculateOnCellular)
	assert.Equal(t, "https://ref.example", after.DefaultReferrer)

	// The earlier snapshot is unaffected.
	assert.False(t, before.CanUseHiddenTab)
}

func TestIsFirstPartyOrigin(t *testing.T) {
	m := NewManager()
	m.NewSession("t1", 100, "com.example.app", nil)

	o, _ := origin.Parse("https://example.com")

	// Nothing verified yet.
	assert.False(t, m.IsFirstPartyOrigin("t1", o, nil))

	// Per-session verified set.
	assert.True(t, m.AddVerifiedOrigin("t1", o))
	assert.True(t, m.IsFirstPartyOrigin("t1", o, nil))

	// Verifier fallback for origins not in the session set.
	other, _ := origin.Parse("https://other.com")
	verifier := origin.NewStaticVerifier()
	verifier.AddVerifiedOrigin("com.example.app", other)
	assert.True(t, m.IsFirstPartyOrigin("t1", other, verifier))

	// Unknown token never verifies.
	assert.False(t, m.IsFirstPartyOrigin("missing", o, verifier))
	assert.False(t, m.AddVerifiedOrigin("missing", o))
}

func TestWarmupBookkeeping(t *testing.T) {
	m := NewManager()

	assert.False(t, m.UIDCalledWarmup(100))
	m.RecordUIDCalledWarmup(100)
	assert.True(t, m.UIDCalledWarmup(100))

	// Survives session cleanup.
	m.NewSession("t1", 100, "", nil)
	m.CleanupSession("t1")
	assert.True(t, m.UIDCalledWarmup(100))
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager()
	m.NewSession("t1", 100, "com.example.app", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.SetCanUseHiddenTab("t1", j%2 == 0)
				m.GetSession("t1")
				m.SessionCount()
			}
		}(i)
	}
	wg.Wait()

	_, ok := m.GetSession("t1")
	assert.True(t, ok)
}
