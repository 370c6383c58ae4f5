package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kubepane/kubepane/internal/fieldpath"
	"github.com/kubepane/kubepane/internal/gateway"
	"github.com/kubepane/kubepane/internal/session"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// fakeGateway is a scripted in-memory Gateway. Tests drive the change
// stream by pushing events through the most recent subscription.
type fakeGateway struct {
	mu             sync.Mutex
	obj            *unstructured.Unstructured
	token          string
	nextToken      int
	fetchCalls     int
	submitCalls    int
	subscribeCalls int
	fetchErr       error
	submitErr      error
	submitGate     chan struct{}
	subs           []*fakeSubscription
}

type fakeSubscription struct {
	ch chan gateway.Event
}

func (s *fakeSubscription) Events() <-chan gateway.Event { return s.ch }

func (s *fakeSubscription) Stop() {}

func newFakeGateway(obj *unstructured.Unstructured, token string) *fakeGateway {
	return &fakeGateway{obj: obj, token: token, nextToken: 1000}
}

func (g *fakeGateway) Fetch(_ context.Context, _ gateway.Identity) (*unstructured.Unstructured, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchCalls++
	if g.fetchErr != nil {
		return nil, "", g.fetchErr
	}
	return g.obj.DeepCopy(), g.token, nil
}

func (g *fakeGateway) setFetchErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchErr = err
}

func (g *fakeGateway) Submit(_ context.Context, _ gateway.Identity, serialized string) (string, error) {
	g.mu.Lock()
	gate := g.submitGate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitCalls++
	if g.submitErr != nil {
		return "", g.submitErr
	}
	g.nextToken++
	g.token = fmt.Sprintf("%d", g.nextToken)
	return g.token, nil
}

func (g *fakeGateway) Delete(_ context.Context, _ gateway.Identity) error {
	return nil
}

func (g *fakeGateway) Subscribe(_ context.Context, _ gateway.Identity) (gateway.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribeCalls++
	sub := &fakeSubscription{ch: make(chan gateway.Event, 16)}
	g.subs = append(g.subs, sub)
	return sub, nil
}

func (g *fakeGateway) push(ev gateway.Event) {
	g.mu.Lock()
	sub := g.subs[len(g.subs)-1]
	g.mu.Unlock()
	sub.ch <- ev
}

func (g *fakeGateway) closeStream() {
	g.mu.Lock()
	sub := g.subs[len(g.subs)-1]
	g.mu.Unlock()
	close(sub.ch)
}

func (g *fakeGateway) counts() (fetch, submit, subscribe int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetchCalls, g.submitCalls, g.subscribeCalls
}

func baseObject(resourceVersion string, replicas int64) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]any{
			"name":            "web",
			"namespace":       "default",
			"resourceVersion": resourceVersion,
		},
		"spec": map[string]any{
			"replicas": replicas,
			"paused":   false,
		},
	}}
}

func setReplicas(n int64) func(*unstructured.Unstructured) *unstructured.Unstructured {
	return func(obj *unstructured.Unstructured) *unstructured.Unstructured {
		_ = unstructured.SetNestedField(obj.Object, n, "spec", "replicas")
		return obj
	}
}

func newTestSession(t *testing.T, gw *fakeGateway) *session.Session {
	t.Helper()
	s := session.New(
		gateway.Identity{Namespace: "default", Kind: "Deployment", Name: "web"},
		session.Options{Gateway: gw},
	)
	require.NoError(t, s.Initialize(t.Context()))
	t.Cleanup(s.Close)
	require.Eventually(t, func() bool {
		_, _, subscribes := gw.counts()
		return subscribes >= 1
	}, waitFor, tick, "the change stream must be subscribed after Initialize")
	return s
}

func Test_Initialize(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)

	assert.False(t, s.IsLoading())
	assert.Equal(t, session.StateClean, s.State())
	assert.False(t, s.HasChanges())
	assert.Equal(t, "100", s.VersionToken())
	assert.True(t, equality.Semantic.DeepEqual(baseObject("100", 3).Object, s.Model().Object))
	assert.NotEmpty(t, s.Text())

	// Idempotent: a second call does not fetch again.
	require.NoError(t, s.Initialize(t.Context()))
	fetch, _, _ := gw.counts()
	assert.Equal(t, 1, fetch)
}

func Test_Initialize_Seeded(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := session.New(
		gateway.Identity{Namespace: "default", Kind: "Deployment", Name: "web"},
		session.Options{Gateway: gw, Seed: baseObject("100", 3), SeedToken: "100"},
	)
	require.NoError(t, s.Initialize(t.Context()))
	t.Cleanup(s.Close)

	fetch, _, _ := gw.counts()
	assert.Equal(t, 0, fetch, "an inline snapshot replaces the fetch")
	assert.Equal(t, "100", s.VersionToken())
}

func Test_Update_MarksDirtyAndRegeneratesText(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)

	require.NoError(t, s.Update(setReplicas(5)))

	assert.Equal(t, session.StateDirty, s.State())
	assert.True(t, s.HasChanges())
	assert.Contains(t, s.Text(), "replicas: 5")
}

func Test_Dirtiness_SelfCorrects(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)

	require.NoError(t, s.Update(setReplicas(5)))
	require.True(t, s.HasChanges())

	// Editing back to the original value reads as unchanged.
	require.NoError(t, s.Update(setReplicas(3)))
	assert.False(t, s.HasChanges())
	assert.Equal(t, session.StateClean, s.State())
}

func Test_Discard_Idempotence(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)
	before := s.Model()

	require.NoError(t, s.Update(setReplicas(5)))
	require.NoError(t, s.Update(setReplicas(9)))
	s.Discard()

	assert.Equal(t, session.StateClean, s.State())
	assert.True(t, equality.Semantic.DeepEqual(before.Object, s.Model().Object))

	s.Discard()
	assert.True(t, equality.Semantic.DeepEqual(before.Object, s.Model().Object))
}

func Test_SilentAdopt_WhenClean(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)

	pushed := baseObject("101", 7)
	gw.push(gateway.Event{Object: pushed, VersionToken: "101"})

	require.Eventually(t, func() bool { return s.VersionToken() == "101" }, waitFor, tick)
	assert.False(t, s.HasServerUpdate())
	assert.Equal(t, session.StateClean, s.State())
	assert.True(t, equality.Semantic.DeepEqual(pushed.Object, s.Model().Object))
	assert.Contains(t, s.Text(), "replicas: 7")
}

func Test_ConflictQuarantine_WhenDirty(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)

	require.NoError(t, s.Update(setReplicas(5)))
	localModel := s.Model()

	pushed := baseObject("101", 7)
	gw.push(gateway.Event{Object: pushed, VersionToken: "101"})

	require.Eventually(t, s.HasServerUpdate, waitFor, tick)
	assert.Equal(t, session.StateConflictPending, s.State())
	assert.Equal(t, "101", s.PendingVersionToken())
	assert.True(t, equality.Semantic.DeepEqual(localModel.Object, s.Model().Object),
		"local edits must survive the quarantined push")

	// Discard now lands on the pushed snapshot, not the pre-edit baseline.
	s.Discard()
	assert.Equal(t, session.StateClean, s.State())
	assert.False(t, s.HasServerUpdate())
	assert.True(t, equality.Semantic.DeepEqual(pushed.Object, s.Model().Object))
	assert.Equal(t, "101", s.VersionToken())
}

func Test_ReloadFromServer(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)

	require.ErrorIs(t, s.ReloadFromServer(), session.ErrNoPendingUpdate)

	require.NoError(t, s.Update(setReplicas(5)))
	pushed := baseObject("101", 7)
	gw.push(gateway.Event{Object: pushed, VersionToken: "101"})
	require.Eventually(t, s.HasServerUpdate, waitFor, tick)

	require.NoError(t, s.ReloadFromServer())
	assert.Equal(t, session.StateClean, s.State())
	assert.True(t, equality.Semantic.DeepEqual(pushed.Object, s.Model().Object))
	assert.Equal(t, "101", s.VersionToken())
}

func Test_DismissServerUpdate(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)

	require.ErrorIs(t, s.DismissServerUpdate(), session.ErrNoPendingUpdate)

	require.NoError(t, s.Update(setReplicas(5)))
	localModel := s.Model()
	pushed := baseObject("101", 7)
	gw.push(gateway.Event{Object: pushed, VersionToken: "101"})
	require.Eventually(t, s.HasServerUpdate, waitFor, tick)

	require.NoError(t, s.DismissServerUpdate())
	assert.False(t, s.HasServerUpdate())
	assert.Equal(t, session.StateDirty, s.State())
	assert.Equal(t, "101", s.DismissedVersionToken())
	assert.True(t, equality.Semantic.DeepEqual(localModel.Object, s.Model().Object))

	// The dismissed snapshot became the baseline: discarding now lands on it.
	s.Discard()
	assert.True(t, equality.Semantic.DeepEqual(pushed.Object, s.Model().Object))
}

func Test_Dismiss_SameTokenNotReflagged_FreshTokenIs(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)

	require.NoError(t, s.Update(setReplicas(5)))
	gw.push(gateway.Event{Object: baseObject("101", 7), VersionToken: "101"})
	require.Eventually(t, s.HasServerUpdate, waitFor, tick)
	require.NoError(t, s.DismissServerUpdate())

	// Re-delivery of the dismissed token is folded away.
	gw.push(gateway.Event{Object: baseObject("101", 7), VersionToken: "101"})
	// A genuinely newer token is a fresh conflict event.
	gw.push(gateway.Event{Object: baseObject("102", 9), VersionToken: "102"})

	require.Eventually(t, s.HasServerUpdate, waitFor, tick)
	assert.Equal(t, "102", s.PendingVersionToken())
}

func Test_SaveSuccess(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)

	require.NoError(t, s.Update(setReplicas(5)))
	submitted := s.Model()

	require.NoError(t, s.Save(t.Context()))

	assert.False(t, s.HasChanges())
	assert.Equal(t, session.StateClean, s.State())
	assert.True(t, equality.Semantic.DeepEqual(submitted.Object, s.Model().Object))
	assert.NotEqual(t, "100", s.VersionToken(), "token advances to the server-returned value")
	assert.Nil(t, s.SaveError())
}

func Test_Save_NoChanges(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)

	require.ErrorIs(t, s.Save(t.Context()), session.ErrNoChanges)
	_, submits, _ := gw.counts()
	assert.Zero(t, submits)
}

func Test_SaveFailure_PreservesEdits(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	gw.submitErr = &gateway.ValidationError{
		Message: "Deployment.apps \"web\" is invalid",
		Reason:  "Invalid",
		Causes: []fieldpath.Cause{
			{Field: "spec.replicas", Message: "must be >= 0"},
		},
	}
	s := newTestSession(t, gw)

	require.NoError(t, s.Update(setReplicas(-1)))
	edited := s.Model()

	err := s.Save(t.Context())
	require.Error(t, err)

	assert.True(t, s.HasChanges())
	assert.Equal(t, session.StateDirty, s.State())
	assert.True(t, equality.Semantic.DeepEqual(edited.Object, s.Model().Object))

	saveErr := s.SaveError()
	require.NotNil(t, saveErr)
	assert.False(t, saveErr.Local)
	require.Len(t, saveErr.Causes, 1)
	assert.Equal(t, "spec.replicas", saveErr.Causes[0].Field)
	assert.Equal(t, "must be >= 0", saveErr.Causes[0].Message)
	assert.True(t, saveErr.ErrorSet().HasError("spec"))
}

func Test_SaveFailure_TransportHasNoCauses(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	gw.submitErr = &gateway.TransportError{Op: "submit", Err: errors.New("connection reset")}
	s := newTestSession(t, gw)

	require.NoError(t, s.Update(setReplicas(5)))
	require.Error(t, s.Save(t.Context()))

	saveErr := s.SaveError()
	require.NotNil(t, saveErr)
	assert.Empty(t, saveErr.Causes)
	assert.True(t, s.HasChanges())
}

func Test_EditClearsSaveError(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	gw.submitErr = &gateway.ValidationError{Message: "rejected", Causes: []fieldpath.Cause{{Field: "spec.replicas", Message: "bad"}}}
	s := newTestSession(t, gw)

	require.NoError(t, s.Update(setReplicas(-1)))
	require.Error(t, s.Save(t.Context()))
	require.NotNil(t, s.SaveError())

	require.NoError(t, s.Update(setReplicas(2)))
	assert.Nil(t, s.SaveError(), "any further edit invalidates the stale error context")
}

func Test_ClearSaveError(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	gw.submitErr = &gateway.TransportError{Op: "submit", Err: errors.New("boom")}
	s := newTestSession(t, gw)

	require.NoError(t, s.Update(setReplicas(5)))
	require.Error(t, s.Save(t.Context()))
	require.NotNil(t, s.SaveError())

	s.ClearSaveError()
	assert.Nil(t, s.SaveError())
	assert.True(t, s.HasChanges(), "dismissing the error keeps the edits")
}

func Test_EditsDuringInflightSave_ArePreserved(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	gw.submitGate = make(chan struct{})
	s := newTestSession(t, gw)

	require.NoError(t, s.Update(setReplicas(5)))

	saveDone := make(chan error, 1)
	go func() { saveDone <- s.Save(context.Background()) }()

	require.Eventually(t, func() bool { return s.State() == session.StateSaving }, waitFor, tick)

	// Concurrent save attempts are rejected while one is in flight.
	require.ErrorIs(t, s.Save(t.Context()), session.ErrSaveInFlight)

	// Keep editing while the save is in flight.
	require.NoError(t, s.Update(setReplicas(9)))

	close(gw.submitGate)
	require.NoError(t, <-saveDone)

	// The save committed the value captured at call time; the newer edit
	// immediately re-flags the session as dirty.
	assert.True(t, s.HasChanges())
	assert.Equal(t, session.StateDirty, s.State())
	replicas, _, err := unstructured.NestedInt64(s.Model().Object, "spec", "replicas")
	require.NoError(t, err)
	assert.Equal(t, int64(9), replicas)

	canonicalReplicas, _, err := unstructured.NestedInt64(s.CanonicalSnapshot().Object, "spec", "replicas")
	require.NoError(t, err)
	assert.Equal(t, int64(5), canonicalReplicas)
}

func Test_TextEdit_ParsedIntoWorkingModel(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)

	s.SetText("apiVersion: apps/v1\nkind: Deployment\nmetadata:\n  name: web\n  namespace: default\n  resourceVersion: \"100\"\nspec:\n  paused: false\n  replicas: 8\n")

	assert.Equal(t, session.StateDirty, s.State())
	replicas, _, err := unstructured.NestedInt64(s.Model().Object, "spec", "replicas")
	require.NoError(t, err)
	assert.Equal(t, int64(8), replicas)
}

func Test_TextEdit_KeepsUserFormatting(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)

	// JSON is valid YAML; the buffer must stay exactly as typed instead of
	// being re-rendered.
	buf := `{"apiVersion":"apps/v1","kind":"Deployment","metadata":{"name":"web"}}`
	s.SetText(buf)
	assert.Equal(t, buf, s.Text())
}

func Test_TextEdit_InvalidTextKeepsLastGoodModel(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)
	before := s.Model()

	s.SetText("spec: [unclosed")

	assert.Equal(t, "spec: [unclosed", s.Text(), "keystrokes are never lost or reformatted")
	assert.True(t, equality.Semantic.DeepEqual(before.Object, s.Model().Object))
	assert.Equal(t, session.StateDirty, s.State(), "an unparsed buffer is an uncommitted edit")
}

func Test_ParseGuardedSave(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)

	s.SetText("spec: [unclosed")

	err := s.Save(t.Context())
	require.Error(t, err)

	var saveErr *session.SaveError
	require.ErrorAs(t, err, &saveErr)
	assert.True(t, saveErr.Local)

	_, submits, _ := gw.counts()
	assert.Zero(t, submits, "a parse failure must reject the save before any gateway call")
}

func Test_GuardBlocksSaveLocally(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	guard := guardFunc(func(obj *unstructured.Unstructured) []fieldpath.Cause {
		replicas, _, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
		if replicas > 10 {
			return []fieldpath.Cause{{Field: "spec.replicas", Message: "exceeds the allowed maximum", Reason: "GuardViolation"}}
		}
		return nil
	})
	s := session.New(
		gateway.Identity{Namespace: "default", Kind: "Deployment", Name: "web"},
		session.Options{Gateway: gw, Guard: guard},
	)
	require.NoError(t, s.Initialize(t.Context()))
	t.Cleanup(s.Close)

	require.NoError(t, s.Update(setReplicas(50)))
	err := s.Save(t.Context())
	require.Error(t, err)

	var saveErr *session.SaveError
	require.ErrorAs(t, err, &saveErr)
	assert.True(t, saveErr.Local)
	require.Len(t, saveErr.Causes, 1)
	assert.Equal(t, "spec.replicas", saveErr.Causes[0].Field)

	_, submits, _ := gw.counts()
	assert.Zero(t, submits)

	// Below the limit the guard stays silent and the save goes through.
	require.NoError(t, s.Update(setReplicas(4)))
	require.NoError(t, s.Save(t.Context()))
}

type guardFunc func(obj *unstructured.Unstructured) []fieldpath.Cause

func (f guardFunc) Check(obj *unstructured.Unstructured) []fieldpath.Cause { return f(obj) }

func Test_ServerDelete_BlocksSave(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)

	gw.push(gateway.Event{Deleted: true, VersionToken: "101"})
	require.Eventually(t, s.ServerDeleted, waitFor, tick)

	require.NoError(t, s.Update(setReplicas(5)))
	require.ErrorIs(t, s.Save(t.Context()), session.ErrObjectDeleted)
	_, submits, _ := gw.counts()
	assert.Zero(t, submits)
}

func Test_WatchRestart(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	s := newTestSession(t, gw)
	_ = s

	_, _, subscribes := gw.counts()
	require.Equal(t, 1, subscribes)

	gw.closeStream()

	require.Eventually(t, func() bool {
		_, _, n := gw.counts()
		return n >= 2
	}, waitFor, tick, "a closed stream must be re-subscribed")

	// The restarted stream still feeds the session.
	pushed := baseObject("105", 6)
	gw.push(gateway.Event{Object: pushed, VersionToken: "105"})
	require.Eventually(t, func() bool { return s.VersionToken() == "105" }, waitFor, tick)
}

func Test_PushDuringSave_IsQuarantined(t *testing.T) {
	gw := newFakeGateway(baseObject("100", 3), "100")
	gw.submitGate = make(chan struct{})
	s := newTestSession(t, gw)

	require.NoError(t, s.Update(setReplicas(5)))
	saveDone := make(chan error, 1)
	go func() { saveDone <- s.Save(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == session.StateSaving }, waitFor, tick)

	gw.push(gateway.Event{Object: baseObject("101", 7), VersionToken: "101"})
	require.Eventually(t, s.HasServerUpdate, waitFor, tick)
	assert.Equal(t, session.StateConflictPending, s.State())

	close(gw.submitGate)
	require.NoError(t, <-saveDone)

	// The accepted write superseded the quarantined snapshot.
	assert.False(t, s.HasServerUpdate())
	assert.Equal(t, session.StateClean, s.State())
}
