// Package session implements the editable-resource synchronization core: a
// per-object state machine that tracks the last known remote snapshot, a
// locally edited working model and its text projection, and reconciles both
// against the remote change stream without silently discarding either side.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kubepane/kubepane/internal/codec"
	"github.com/kubepane/kubepane/internal/fieldpath"
	"github.com/kubepane/kubepane/internal/gateway"
)

// State is the session's position in the edit lifecycle.
type State string

const (
	// StateClean means the working model equals the last known remote value.
	StateClean State = "Clean"
	// StateDirty means the working model carries uncommitted local edits.
	StateDirty State = "Dirty"
	// StateSaving means a submit is in flight. Edits remain possible.
	StateSaving State = "Saving"
	// StateConflictPending means a fresher remote snapshot arrived while
	// local edits existed and is withheld until the user decides.
	StateConflictPending State = "ConflictPending"
)

var (
	// ErrNotInitialized is returned by operations that need a snapshot
	// before Initialize completed.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrNoChanges rejects a save when the working model equals the
	// canonical snapshot.
	ErrNoChanges = errors.New("no changes to save")

	// ErrSaveInFlight rejects a save while another one has not resolved.
	ErrSaveInFlight = errors.New("a save is already in flight")

	// ErrNoPendingUpdate rejects reload/dismiss outside ConflictPending.
	ErrNoPendingUpdate = errors.New("no server update is pending")

	// ErrObjectDeleted rejects a save after the remote object was deleted.
	ErrObjectDeleted = errors.New("object was deleted on the server")
)

// Guard inspects a working model before it is submitted and reports
// field-level objections. Guards run locally; a non-empty result blocks the
// save before any gateway call.
type Guard interface {
	Check(obj *unstructured.Unstructured) []fieldpath.Cause
}

// SaveError is the failure attached to the session after a rejected save.
// Local failures (parse errors, guard violations) never reached the remote
// store; remote failures carry whatever field causes the store reported.
type SaveError struct {
	Message string            `json:"message"`
	Reason  string            `json:"reason,omitempty"`
	Local   bool              `json:"local"`
	Causes  []fieldpath.Cause `json:"causes,omitempty"`

	err error
}

func (e *SaveError) Error() string { return e.Message }

func (e *SaveError) Unwrap() error { return e.err }

// ErrorSet exposes the causes for field-path containment queries.
func (e *SaveError) ErrorSet() *fieldpath.ErrorSet {
	if e == nil {
		return nil
	}
	return fieldpath.NewErrorSet(e.Causes)
}

// PendingUpdate is a fresher remote snapshot withheld from the working model.
type PendingUpdate struct {
	Snapshot     *unstructured.Unstructured
	VersionToken string
}

// Options configures a Session.
type Options struct {
	// Gateway is the remote object store boundary. Required.
	Gateway gateway.Gateway

	// Guard optionally vets the working model before each submit.
	Guard Guard

	// Seed, when set, is used as the initial snapshot so Initialize can
	// skip the fetch. SeedToken must carry its version token.
	Seed      *unstructured.Unstructured
	SeedToken string

	// Logger defaults to logr.Discard.
	Logger logr.Logger

	// WatchBackoff caps the delay between watch reconnects. Zero means a
	// 30 second cap.
	WatchBackoff time.Duration
}

// Session owns the canonical snapshot, working model, text projection and
// state machine for one object identity. All methods are safe for
// concurrent use; mutations are serialized on an internal lock so no two
// of them interleave.
type Session struct {
	identity gateway.Identity
	gw       gateway.Gateway
	guard    Guard
	log      logr.Logger
	backoff  time.Duration

	// initMu serializes Initialize so the first fetch happens at most once.
	initMu sync.Mutex

	mu            sync.Mutex
	initialized   bool
	canonical     *unstructured.Unstructured
	versionToken  string
	lastSeenToken string
	working       *unstructured.Unstructured
	text          string
	parseErr      *codec.ParseError
	saving        bool
	pending       *PendingUpdate
	dismissed     string
	saveErr       *SaveError
	deleted       bool

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New creates a session for the given identity. No remote calls are made
// until Initialize.
func New(identity gateway.Identity, opts Options) *Session {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	backoff := opts.WatchBackoff
	if backoff <= 0 {
		backoff = 30 * time.Second
	}

	s := &Session{
		identity: identity,
		gw:       opts.Gateway,
		guard:    opts.Guard,
		log:      log.WithValues("identity", identity.String()),
		backoff:  backoff,
	}
	if opts.Seed != nil {
		s.seed(opts.Seed, opts.SeedToken)
	}
	return s
}

// Identity returns the object identity this session edits.
func (s *Session) Identity() gateway.Identity {
	return s.identity
}

// Initialize obtains the first snapshot and starts the change stream. It is
// idempotent; the fetch happens at most once per session. On return the
// working model equals the canonical snapshot unless the session was seeded
// and already edited.
func (s *Session) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	seeded := s.canonical != nil
	s.mu.Unlock()

	if !seeded {
		obj, token, err := s.gw.Fetch(ctx, s.identity)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.seed(obj, token)
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.watchCancel = cancel
	s.watchDone = make(chan struct{})
	go s.watch(watchCtx)

	activeSessionsGauge.Inc()
	s.log.V(1).Info("session initialized", "resourceVersion", s.versionToken)
	return nil
}

// seed installs a snapshot as both canonical and working value.
// Callers hold the lock except during construction.
func (s *Session) seed(obj *unstructured.Unstructured, token string) {
	s.canonical = obj.DeepCopy()
	s.versionToken = token
	s.lastSeenToken = token
	s.working = obj.DeepCopy()
	s.regenerateTextLocked()
}

// Close stops the change stream. Any in-flight save keeps running; its
// result is applied but no longer observable through a live watch.
func (s *Session) Close() {
	s.mu.Lock()
	cancel, done := s.watchCancel, s.watchDone
	s.watchCancel = nil
	if s.initialized {
		activeSessionsGauge.Dec()
		s.initialized = false
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// IsLoading reports whether the first snapshot is still outstanding.
func (s *Session) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canonical == nil
}

// State derives the current machine state. An unparseable text buffer
// counts as dirty: it is an uncommitted edit even though the working model
// still holds its last good value.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.pending != nil:
		return StateConflictPending
	case s.saving:
		return StateSaving
	case s.dirtyLocked():
		return StateDirty
	default:
		return StateClean
	}
}

func (s *Session) dirtyLocked() bool {
	if s.parseErr != nil {
		return true
	}
	if s.working == nil || s.canonical == nil {
		return false
	}
	return !equality.Semantic.DeepEqual(s.working.Object, s.canonical.Object)
}

// HasChanges reports whether the working model structurally differs from
// the canonical snapshot. Always computed by deep comparison, so an edit
// sequence that lands back on the original value reads as unchanged.
func (s *Session) HasChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.working == nil || s.canonical == nil {
		return false
	}
	return !equality.Semantic.DeepEqual(s.working.Object, s.canonical.Object)
}

// Model returns a deep copy of the working model, or nil before the first
// snapshot.
func (s *Session) Model() *unstructured.Unstructured {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.working == nil {
		return nil
	}
	return s.working.DeepCopy()
}

// CanonicalSnapshot returns a deep copy of the last value known to exist on
// the server, or nil before the first snapshot.
func (s *Session) CanonicalSnapshot() *unstructured.Unstructured {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canonical == nil {
		return nil
	}
	return s.canonical.DeepCopy()
}

// Text returns the current text projection. During an in-progress text edit
// this is the user's verbatim buffer, valid or not.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// VersionToken returns the canonical snapshot's version token.
func (s *Session) VersionToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionToken
}

// HasServerUpdate reports whether a fresher remote snapshot is quarantined.
func (s *Session) HasServerUpdate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// PendingVersionToken returns the quarantined snapshot's token, or "".
func (s *Session) PendingVersionToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return ""
	}
	return s.pending.VersionToken
}

// DismissedVersionToken returns the token of the last dismissed server
// update, kept for display only.
func (s *Session) DismissedVersionToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dismissed
}

// ServerDeleted reports whether the remote object was deleted while this
// session was open.
func (s *Session) ServerDeleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

// SaveError returns the failure attached by the last rejected save, or nil.
func (s *Session) SaveError() *SaveError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveErr
}

// ClearSaveError drops the attached save failure without editing.
func (s *Session) ClearSaveError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = nil
}

// Update applies transform to the working model. The text projection is
// regenerated, any attached save error is cleared (the edit may have fixed
// it), and dirtiness is re-derived on the next read.
func (s *Session) Update(transform func(*unstructured.Unstructured) *unstructured.Unstructured) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.working == nil {
		return ErrNotInitialized
	}

	next := transform(s.working.DeepCopy())
	if next == nil {
		return errors.New("transform returned a nil model")
	}
	s.working = next
	s.regenerateTextLocked()
	s.saveErr = nil
	return nil
}

// Replace installs model as the new working model. Same contract as Update
// with a value instead of a transform.
func (s *Session) Replace(model *unstructured.Unstructured) error {
	if model == nil {
		return errors.New("replacement model must not be nil")
	}
	return s.Update(func(*unstructured.Unstructured) *unstructured.Unstructured {
		return model.DeepCopy()
	})
}

// SetText accepts a raw text buffer verbatim, then opportunistically parses
// it. On success the parsed value becomes the working model without
// re-serializing, so the user's formatting is left alone. On failure the
// working model keeps its last good value and no error surfaces until a
// save is attempted.
func (s *Session) SetText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.text = text
	s.saveErr = nil

	parsed, err := codec.Parse(text)
	if err != nil {
		var parseErr *codec.ParseError
		errors.As(err, &parseErr)
		s.parseErr = parseErr
		return
	}
	s.parseErr = nil
	s.working = parsed
}

// regenerateTextLocked re-renders the text projection from the working
// model. Serialization of a valid tree cannot fail; a failure is logged and
// leaves the previous text in place.
func (s *Session) regenerateTextLocked() {
	text, err := codec.Serialize(s.working)
	if err != nil {
		s.log.Error(err, "failed to render text projection")
		return
	}
	s.text = text
	s.parseErr = nil
}

// Save serializes the working model and submits it. The submitted value is
// captured at call time; edits made while the save is in flight are kept
// and may leave the session dirty again against the newly committed
// snapshot. Failed saves leave the working model untouched and attach a
// SaveError. Saves are never retried automatically.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()

	if s.working == nil {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if s.saving {
		s.mu.Unlock()
		return ErrSaveInFlight
	}
	if s.deleted {
		s.mu.Unlock()
		return ErrObjectDeleted
	}
	if s.parseErr != nil {
		saveErr := &SaveError{
			Message: s.parseErr.Error(),
			Reason:  "InvalidText",
			Local:   true,
			err:     s.parseErr,
		}
		s.saveErr = saveErr
		s.mu.Unlock()
		savesTotal.WithLabelValues(saveOutcomeLocalReject).Inc()
		return saveErr
	}
	if equality.Semantic.DeepEqual(s.working.Object, s.canonical.Object) {
		s.mu.Unlock()
		return ErrNoChanges
	}
	if s.guard != nil {
		if causes := s.guard.Check(s.working); len(causes) > 0 {
			saveErr := &SaveError{
				Message: "save blocked by local validation rules",
				Reason:  "GuardViolation",
				Local:   true,
				Causes:  causes,
			}
			s.saveErr = saveErr
			s.mu.Unlock()
			savesTotal.WithLabelValues(saveOutcomeLocalReject).Inc()
			return saveErr
		}
	}

	submitted := s.working.DeepCopy()
	serialized, err := codec.Serialize(submitted)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.saving = true
	s.mu.Unlock()

	start := time.Now()
	token, err := s.gw.Submit(ctx, s.identity, serialized)
	saveDurationSeconds.Observe(time.Since(start).Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saving = false

	if err != nil {
		s.saveErr = saveErrorFrom(err)
		savesTotal.WithLabelValues(saveOutcomeRejected).Inc()
		s.log.V(1).Info("save rejected", "error", err.Error())
		return s.saveErr
	}

	// The accepted write is the new baseline. Its own watch echo is
	// suppressed through the last-seen token, and a snapshot quarantined
	// during the save is stale now that the store accepted this value.
	s.canonical = submitted
	s.versionToken = token
	s.lastSeenToken = token
	s.pending = nil
	s.saveErr = nil
	savesTotal.WithLabelValues(saveOutcomeCommitted).Inc()
	s.log.Info("save committed", "resourceVersion", token)
	return nil
}

// saveErrorFrom normalizes a gateway failure into the session's SaveError.
func saveErrorFrom(err error) *SaveError {
	var verr *gateway.ValidationError
	if errors.As(err, &verr) {
		return &SaveError{
			Message: verr.Message,
			Reason:  verr.Reason,
			Causes:  verr.Causes,
			err:     err,
		}
	}
	return &SaveError{Message: err.Error(), err: err}
}

// Discard resets the working model to the freshest known remote value: the
// quarantined snapshot when one is pending, the canonical snapshot
// otherwise. It always leaves the session clean.
func (s *Session) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canonical == nil {
		return
	}
	if s.pending != nil {
		s.adoptLocked(s.pending.Snapshot, s.pending.VersionToken)
		return
	}
	s.working = s.canonical.DeepCopy()
	s.regenerateTextLocked()
	s.saveErr = nil
}

// ReloadFromServer adopts the quarantined snapshot, discarding local edits.
func (s *Session) ReloadFromServer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return ErrNoPendingUpdate
	}
	s.adoptLocked(s.pending.Snapshot, s.pending.VersionToken)
	return nil
}

// DismissServerUpdate keeps local edits and stops flagging the quarantined
// snapshot. The canonical snapshot still advances to the dismissed value so
// a later Discard lands on the newer baseline, and the token is recorded as
// seen so the same push is not re-flagged. A later push with yet another
// token is a fresh conflict.
func (s *Session) DismissServerUpdate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return ErrNoPendingUpdate
	}
	s.canonical = s.pending.Snapshot.DeepCopy()
	s.versionToken = s.pending.VersionToken
	s.lastSeenToken = s.pending.VersionToken
	s.dismissed = s.pending.VersionToken
	s.pending = nil
	return nil
}

// adoptLocked replaces canonical and working state with a remote snapshot.
func (s *Session) adoptLocked(obj *unstructured.Unstructured, token string) {
	s.canonical = obj.DeepCopy()
	s.versionToken = token
	s.lastSeenToken = token
	s.working = obj.DeepCopy()
	s.regenerateTextLocked()
	s.pending = nil
	s.saveErr = nil
}

// Delete removes the remote object. The session stays open so the caller
// can still read the last state; a subsequent save is rejected.
func (s *Session) Delete(ctx context.Context) error {
	if err := s.gw.Delete(ctx, s.identity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = true
	return nil
}

// watch consumes the change stream and re-subscribes with capped
// exponential backoff whenever it ends.
func (s *Session) watch(ctx context.Context) {
	defer close(s.watchDone)

	backoff := s.newBackoff()
	for {
		sub, err := s.gw.Subscribe(ctx, s.identity)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoff.Step()
			s.log.V(1).Info("subscribe failed, retrying", "error", err.Error(), "delay", delay.String())
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		backoff = s.newBackoff()

	stream:
		for {
			select {
			case <-ctx.Done():
				sub.Stop()
				return
			case ev, ok := <-sub.Events():
				if !ok {
					break stream
				}
				s.applyServerEvent(ev)
			}
		}
		sub.Stop()

		if ctx.Err() != nil {
			return
		}
		if !sleepCtx(ctx, backoff.Step()) {
			return
		}
	}
}

func (s *Session) newBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: 500 * time.Millisecond,
		Factor:   2,
		Jitter:   0.1,
		Steps:    16,
		Cap:      s.backoff,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// applyServerEvent folds one pushed snapshot into the state machine: adopt
// silently when clean, quarantine when local edits exist.
func (s *Session) applyServerEvent(ev gateway.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Deleted {
		watchEventsTotal.WithLabelValues(watchEventDeleted).Inc()
		s.deleted = true
		s.log.Info("object deleted on server")
		return
	}
	if ev.VersionToken == "" || ev.VersionToken == s.lastSeenToken {
		return
	}

	watchEventsTotal.WithLabelValues(watchEventUpdated).Inc()

	if s.stateLocked() == StateClean {
		s.adoptLocked(ev.Object, ev.VersionToken)
		s.log.V(1).Info("adopted server update", "resourceVersion", ev.VersionToken)
		return
	}

	if s.pending == nil || s.pending.VersionToken != ev.VersionToken {
		conflictsTotal.Inc()
	}
	s.pending = &PendingUpdate{
		Snapshot:     ev.Object.DeepCopy(),
		VersionToken: ev.VersionToken,
	}
	s.log.Info("quarantined server update", "resourceVersion", ev.VersionToken)
}
