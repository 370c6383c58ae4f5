package session_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubepane/kubepane/internal/gateway"
	"github.com/kubepane/kubepane/internal/session"
)

func Test_Manager_OneSessionPerIdentity(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	m := session.NewManager(session.ManagerOptions{Gateway: gw})
	t.Cleanup(m.CloseAll)

	id := gateway.Identity{Namespace: "default", Kind: "Deployment", Name: "web"}

	s1, err := m.Open(t.Context(), id)
	require.NoError(t, err)
	s2, err := m.Open(t.Context(), id)
	require.NoError(t, err)
	assert.Same(t, s1, s2, "no two controller instances may coexist for one identity")

	other := gateway.Identity{Namespace: "default", Kind: "Deployment", Name: "api"}
	s3, err := m.Open(t.Context(), other)
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
}

func Test_Manager_ConcurrentOpen_SharesOneInitialization(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	m := session.NewManager(session.ManagerOptions{Gateway: gw})
	t.Cleanup(m.CloseAll)

	id := gateway.Identity{Namespace: "default", Kind: "Deployment", Name: "web"}

	const openers = 8
	var wg sync.WaitGroup
	sessions := make([]*session.Session, openers)
	errs := make([]error, openers)
	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = m.Open(t.Context(), id)
		}(i)
	}
	wg.Wait()

	for i := 0; i < openers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
		assert.False(t, sessions[i].IsLoading(), "Open must not hand out a session before its first snapshot")
	}
	fetches, _, _ := gw.counts()
	assert.Equal(t, 1, fetches, "all concurrent callers share one fetch")
}

func Test_Manager_FailedOpenLeavesNoSession(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	gw.setFetchErr(errors.New("apiserver unavailable"))
	m := session.NewManager(session.ManagerOptions{Gateway: gw})
	t.Cleanup(m.CloseAll)

	id := gateway.Identity{Namespace: "default", Kind: "Deployment", Name: "web"}
	_, err := m.Open(t.Context(), id)
	require.Error(t, err)

	_, ok := m.Get(id)
	assert.False(t, ok, "a failed initialization must not leave an entry behind")

	// The identity is usable again once the store recovers.
	gw.setFetchErr(nil)
	s, err := m.Open(t.Context(), id)
	require.NoError(t, err)
	assert.False(t, s.IsLoading())
}

func Test_Manager_Get(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	m := session.NewManager(session.ManagerOptions{Gateway: gw})
	t.Cleanup(m.CloseAll)

	id := gateway.Identity{Namespace: "default", Kind: "Deployment", Name: "web"}
	_, ok := m.Get(id)
	assert.False(t, ok)

	opened, err := m.Open(t.Context(), id)
	require.NoError(t, err)

	got, ok := m.Get(id)
	require.True(t, ok)
	assert.Same(t, opened, got)
}

func Test_Manager_CloseThenReopenSeedsFromCache(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	m := session.NewManager(session.ManagerOptions{
		Gateway:     gw,
		SnapshotTTL: time.Minute,
	})
	t.Cleanup(m.CloseAll)

	id := gateway.Identity{Namespace: "default", Kind: "Deployment", Name: "web"}
	s1, err := m.Open(t.Context(), id)
	require.NoError(t, err)
	fetchesBefore, _, _ := gw.counts()
	require.Equal(t, 1, fetchesBefore)

	m.Close(id)

	s2, err := m.Open(t.Context(), id)
	require.NoError(t, err)
	assert.NotSame(t, s1, s2, "a closed identity reopens as a fresh session")

	fetchesAfter, _, _ := gw.counts()
	assert.Equal(t, 1, fetchesAfter, "the cached snapshot replaces the second fetch")
	assert.Equal(t, "100", s2.VersionToken())
}

func Test_Manager_CloseUnknownIdentity(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	m := session.NewManager(session.ManagerOptions{Gateway: gw})

	m.Close(gateway.Identity{Namespace: "default", Kind: "Deployment", Name: "never-opened"})
}
