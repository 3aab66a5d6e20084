package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harshabose/simple_webrtc_comm/call/pkg/mediasink"
	"github.com/harshabose/simple_webrtc_comm/call/pkg/signaling"
)

type stateLog struct {
	mux    sync.Mutex
	states []State
}

func (l *stateLog) record(state State) {
	l.mux.Lock()
	defer l.mux.Unlock()

	l.states = append(l.states, state)
}

func (l *stateLog) snapshot() []State {
	l.mux.Lock()
	defer l.mux.Unlock()

	return append([]State(nil), l.states...)
}

func newTestSession(t *testing.T, localID, remoteID string, store signaling.Store, engine MediaEngine, options ...SessionOption) *Session {
	t.Helper()

	s, err := NewSession(context.Background(), localID, remoteID, store, engine, options...)
	if err != nil {
		t.Fatalf("NewSession(%s): %v", localID, err)
	}
	t.Cleanup(func() {
		_ = s.Hangup(context.Background())
	})
	return s
}

// connectPair runs a call from u1 to u2 up to Connected on both sides.
func connectPair(t *testing.T, caller, callee *Session) {
	t.Helper()

	if err := caller.InitiateCall(context.Background()); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	waitState(t, callee, StateIncomingRingPending)

	if err := callee.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}

	waitState(t, caller, StateConnected)
	waitState(t, callee, StateConnected)
}

func TestNewSessionValidatesParticipants(t *testing.T) {
	store := signaling.NewMemoryStore()
	engine := newFakeEngine("x")

	for _, ids := range [][2]string{{"", "u2"}, {"u1", ""}, {"u1", "u1"}} {
		if _, err := NewSession(context.Background(), ids[0], ids[1], store, engine); err == nil {
			t.Fatalf("NewSession(%q, %q): expected error", ids[0], ids[1])
		}
	}

	if _, err := NewSession(context.Background(), "u1", "u2", nil, engine); err == nil {
		t.Fatalf("expected error for missing store")
	}
}

func TestCallLifecycle(t *testing.T) {
	store := signaling.NewMemoryStore()
	callerEngine, calleeEngine := newFakeEngine("u1"), newFakeEngine("u2")

	var (
		callerStates stateLog
		remoteMux    sync.Mutex
		remoteTracks int
	)

	caller := newTestSession(t, "u1", "u2", store, callerEngine, WithStateChangeHandler(callerStates.record))
	callee := newTestSession(t, "u2", "u1", store, calleeEngine, WithRemoteStreamHandler(func(stream *mediasink.Stream) {
		remoteMux.Lock()
		defer remoteMux.Unlock()
		remoteTracks = stream.Len()
	}))

	if caller.Key() != callee.Key() || caller.Key() != "u1_u2" {
		t.Fatalf("keys differ: %s vs %s", caller.Key(), callee.Key())
	}

	connectPair(t, caller, callee)

	if caller.Role() != RoleCaller || callee.Role() != RoleCallee {
		t.Fatalf("unexpected roles %q/%q", caller.Role(), callee.Role())
	}
	if !caller.Connected() || !callee.Connected() {
		t.Fatalf("expected both sides connected")
	}

	callerConn, calleeConn := callerEngine.connection(0), calleeEngine.connection(0)
	waitFor(t, "caller to apply callee candidates", func() bool { return len(callerConn.remoteCandidates()) == 2 })
	waitFor(t, "callee to apply caller candidates", func() bool { return len(calleeConn.remoteCandidates()) == 2 })
	waitFor(t, "remote stream notification", func() bool {
		remoteMux.Lock()
		defer remoteMux.Unlock()
		return remoteTracks == 1
	})

	if err := caller.Hangup(context.Background()); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if caller.State() != StateTerminated {
		t.Fatalf("caller state %s after hangup", caller.State())
	}

	waitDone(t, callee)
	if callee.State() != StateTerminated {
		t.Fatalf("callee state %s after remote hangup", callee.State())
	}

	if n := store.Len(); n != 0 {
		t.Fatalf("expected no call documents left, got %d", n)
	}
	for _, role := range []Role{RoleCaller, RoleCallee} {
		if records := listRecords(t, store, caller.Key(), role); len(records) != 0 {
			t.Fatalf("expected no %s candidates left, got %d", role, len(records))
		}
	}

	if n := callerEngine.stream(0).closed.Load(); n != 1 {
		t.Fatalf("caller local stream closed %d times", n)
	}
	if n := calleeEngine.stream(0).closed.Load(); n != 1 {
		t.Fatalf("callee local stream closed %d times", n)
	}
	if callerConn.closeCount() != 1 || calleeConn.closeCount() != 1 {
		t.Fatalf("connections closed %d/%d times", callerConn.closeCount(), calleeConn.closeCount())
	}

	waitFor(t, "caller state notifications", func() bool { return len(callerStates.snapshot()) == 3 })
	want := []State{StateNegotiating, StateConnected, StateTerminated}
	for i, state := range callerStates.snapshot() {
		if state != want[i] {
			t.Fatalf("caller transition %d: got %s want %s", i, state, want[i])
		}
	}
}

func TestHangupIsIdempotent(t *testing.T) {
	store := signaling.NewMemoryStore()
	s := newTestSession(t, "u1", "u2", store, newFakeEngine("u1"))

	if err := s.Hangup(context.Background()); err != nil {
		t.Fatalf("first Hangup: %v", err)
	}
	if err := s.Hangup(context.Background()); err != nil {
		t.Fatalf("second Hangup: %v", err)
	}
	waitDone(t, s)

	if err := s.InitiateCall(context.Background()); !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("InitiateCall after hangup: %v", err)
	}
	if err := s.AcceptCall(context.Background()); !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("AcceptCall after hangup: %v", err)
	}
}

func TestAcceptTwiceWritesOneAnswer(t *testing.T) {
	store := &recordingStore{Store: signaling.NewMemoryStore()}
	caller := newTestSession(t, "u1", "u2", store, newFakeEngine("u1"))
	calleeEngine := newFakeEngine("u2")
	callee := newTestSession(t, "u2", "u1", store, calleeEngine)

	connectPair(t, caller, callee)

	if err := callee.AcceptCall(context.Background()); err != nil {
		t.Fatalf("second AcceptCall: %v", err)
	}

	if _, updates, _ := store.counts(); updates != 1 {
		t.Fatalf("expected a single answer write, got %d", updates)
	}
	if n := calleeEngine.connection(1); n != nil {
		t.Fatalf("second accept created another connection")
	}
}

func TestDuplicateAnswerIsAppliedOnce(t *testing.T) {
	store := signaling.NewMemoryStore()
	callerEngine := newFakeEngine("u1")
	caller := newTestSession(t, "u1", "u2", store, callerEngine)
	callee := newTestSession(t, "u2", "u1", store, newFakeEngine("u2"))

	connectPair(t, caller, callee)

	fields, err := store.Get(context.Background(), caller.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	caller.onCallSnapshot(fields, true)
	caller.onCallSnapshot(fields, true)

	if n := callerEngine.connection(0).remoteCalls(); n != 1 {
		t.Fatalf("remote description set %d times", n)
	}
	if caller.State() != StateConnected {
		t.Fatalf("caller state %s", caller.State())
	}
}

func TestMediaFailureReturnsToIdle(t *testing.T) {
	store := signaling.NewMemoryStore()
	engine := newFakeEngine("u1")
	engine.setAcquireErr(errors.New("camera permission denied"))

	s := newTestSession(t, "u1", "u2", store, engine)

	err := s.InitiateCall(context.Background())

	var mediaErr *MediaAcquisitionError
	if !errors.As(err, &mediaErr) || !errors.Is(err, ErrMediaAcquisition) {
		t.Fatalf("expected media acquisition error, got %v", err)
	}
	if s.State() != StateIdle || s.Role() != RoleNone {
		t.Fatalf("expected idle without role, got %s/%q", s.State(), s.Role())
	}
	if store.Len() != 0 {
		t.Fatalf("no document should be written when media fails")
	}

	engine.setAcquireErr(nil)
	if err := s.InitiateCall(context.Background()); err != nil {
		t.Fatalf("retry InitiateCall: %v", err)
	}
	if s.State() != StateNegotiating {
		t.Fatalf("state %s after retry", s.State())
	}
}

func TestStoreFailureReleasesResources(t *testing.T) {
	store := &recordingStore{Store: signaling.NewMemoryStore(), failSet: errors.New("permission denied")}
	engine := newFakeEngine("u1")
	s := newTestSession(t, "u1", "u2", store, engine)

	err := s.InitiateCall(context.Background())

	var persistErr *StorePersistError
	if !errors.As(err, &persistErr) || persistErr.Op != "set" {
		t.Fatalf("expected set persist error, got %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("state %s after failed offer", s.State())
	}
	if n := engine.stream(0).closed.Load(); n != 1 {
		t.Fatalf("local stream closed %d times", n)
	}
	if n := engine.connection(0).closeCount(); n != 1 {
		t.Fatalf("connection closed %d times", n)
	}
	if s.Connection() != nil {
		t.Fatalf("connection still attached after rollback")
	}
}

func TestDocumentRemovalWhileNegotiatingTerminates(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller := newTestSession(t, "u1", "u2", store, newFakeEngine("u1"))

	if err := caller.InitiateCall(context.Background()); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	waitFor(t, "caller to observe its offer", func() bool {
		caller.mux.Lock()
		defer caller.mux.Unlock()
		return caller.docSeen
	})

	if err := store.Delete(context.Background(), caller.Key()); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	waitDone(t, caller)
	if caller.State() != StateTerminated {
		t.Fatalf("state %s after document removal", caller.State())
	}
}

func TestCallerHangupStopsRinging(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller := newTestSession(t, "u1", "u2", store, newFakeEngine("u1"))
	callee := newTestSession(t, "u2", "u1", store, newFakeEngine("u2"))

	if err := caller.InitiateCall(context.Background()); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	waitState(t, callee, StateIncomingRingPending)

	if err := caller.Hangup(context.Background()); err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	waitDone(t, callee)
	if err := callee.AcceptCall(context.Background()); !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("AcceptCall after caller left: %v", err)
	}
}

func TestOwnOfferDoesNotRing(t *testing.T) {
	store := signaling.NewMemoryStore()
	s := newTestSession(t, "u1", "u2", store, newFakeEngine("u1"))

	offer := CallDocument{
		CallerOffer: &webrtcOffer,
		SenderID:    "u1",
		ReceiverID:  "u2",
	}
	s.onCallSnapshot(offer.Fields(), true)

	if s.State() != StateIdle {
		t.Fatalf("own offer moved session to %s", s.State())
	}
	if err := s.AcceptCall(context.Background()); !errors.Is(err, ErrNoIncomingCall) {
		t.Fatalf("AcceptCall on own offer: %v", err)
	}
}

func TestPeerOfferRings(t *testing.T) {
	store := signaling.NewMemoryStore()
	s := newTestSession(t, "u2", "u1", store, newFakeEngine("u2"))

	offer := CallDocument{CallerOffer: &webrtcOffer, SenderID: "u1", ReceiverID: "u2"}
	s.onCallSnapshot(offer.Fields(), true)
	if s.State() != StateIncomingRingPending {
		t.Fatalf("peer offer left session in %s", s.State())
	}

	// A repeated snapshot of the same offer is a no-op.
	s.onCallSnapshot(offer.Fields(), true)
	if s.State() != StateIncomingRingPending {
		t.Fatalf("duplicate snapshot moved session to %s", s.State())
	}
}

func TestAcceptWithoutCall(t *testing.T) {
	s := newTestSession(t, "u2", "u1", signaling.NewMemoryStore(), newFakeEngine("u2"))

	if err := s.AcceptCall(context.Background()); !errors.Is(err, ErrNoIncomingCall) {
		t.Fatalf("expected ErrNoIncomingCall, got %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("state %s", s.State())
	}
}

func TestInitiateTwiceIsRejected(t *testing.T) {
	engine := newFakeEngine("u1")
	s := newTestSession(t, "u1", "u2", signaling.NewMemoryStore(), engine)

	if err := s.InitiateCall(context.Background()); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if err := s.InitiateCall(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if engine.connection(1) != nil {
		t.Fatalf("second initiate created another connection")
	}
}

func TestStaleCandidatesArePurgedOnInitiate(t *testing.T) {
	store := signaling.NewMemoryStore()
	key := ResolveSessionKey("u1", "u2")

	for _, role := range []Role{RoleCaller, RoleCallee} {
		if _, err := store.Collection(key, string(role)).Add(context.Background(), signaling.Fields{FieldCandidate: "stale"}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	engine := newFakeEngine("u1")
	engine.gather = false
	s := newTestSession(t, "u1", "u2", store, engine)

	if err := s.InitiateCall(context.Background()); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}

	for _, role := range []Role{RoleCaller, RoleCallee} {
		if records := listRecords(t, store, key, role); len(records) != 0 {
			t.Fatalf("stale %s candidates survived: %d", role, len(records))
		}
	}
}

// ringCallee initiates from caller and waits for callee to ring.
func ringCallee(t *testing.T, caller, callee *Session) {
	t.Helper()

	if err := caller.InitiateCall(context.Background()); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	waitState(t, callee, StateIncomingRingPending)
}

func TestCalleeAnswerWriteFailureAllowsRetry(t *testing.T) {
	store := &recordingStore{Store: signaling.NewMemoryStore()}
	caller := newTestSession(t, "u1", "u2", store, newFakeEngine("u1"))
	calleeEngine := newFakeEngine("u2")
	callee := newTestSession(t, "u2", "u1", store, calleeEngine)

	ringCallee(t, caller, callee)
	store.setFailUpdate(errors.New("deadline exceeded"))

	err := callee.AcceptCall(context.Background())

	var persistErr *StorePersistError
	if !errors.As(err, &persistErr) || persistErr.Op != "update" {
		t.Fatalf("expected update persist error, got %v", err)
	}
	if callee.State() != StateIdle || callee.Role() != RoleNone {
		t.Fatalf("expected idle without role, got %s/%q", callee.State(), callee.Role())
	}
	if callee.Connection() != nil {
		t.Fatalf("connection still attached after rollback")
	}
	if n := calleeEngine.connection(0).closeCount(); n != 1 {
		t.Fatalf("connection closed %d times", n)
	}
	if n := calleeEngine.stream(0).closed.Load(); n != 1 {
		t.Fatalf("local stream closed %d times", n)
	}
	if caller.State() != StateNegotiating {
		t.Fatalf("caller moved to %s after the callee failed", caller.State())
	}

	store.setFailUpdate(nil)
	if err := callee.AcceptCall(context.Background()); err != nil {
		t.Fatalf("retry AcceptCall: %v", err)
	}

	waitState(t, caller, StateConnected)
	waitState(t, callee, StateConnected)

	if calleeEngine.connection(1) == nil {
		t.Fatalf("retry did not create a fresh connection")
	}
	if _, updates, _ := store.counts(); updates != 2 {
		t.Fatalf("expected two answer writes, got %d", updates)
	}
}

func TestCalleeMediaFailureAllowsRetry(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller := newTestSession(t, "u1", "u2", store, newFakeEngine("u1"))
	calleeEngine := newFakeEngine("u2")
	callee := newTestSession(t, "u2", "u1", store, calleeEngine)

	ringCallee(t, caller, callee)
	calleeEngine.setAcquireErr(errors.New("microphone busy"))

	err := callee.AcceptCall(context.Background())
	if !errors.Is(err, ErrMediaAcquisition) {
		t.Fatalf("expected media acquisition error, got %v", err)
	}
	if callee.State() != StateIdle {
		t.Fatalf("callee state %s after failed accept", callee.State())
	}
	if calleeEngine.connection(0) != nil {
		t.Fatalf("connection created without local media")
	}

	calleeEngine.setAcquireErr(nil)
	if err := callee.AcceptCall(context.Background()); err != nil {
		t.Fatalf("retry AcceptCall: %v", err)
	}

	waitState(t, caller, StateConnected)
	waitState(t, callee, StateConnected)
}

func TestCandidateSubscriptionFailureIsTolerated(t *testing.T) {
	for _, tc := range []struct {
		name   string
		refuse bool
	}{
		{name: "refused", refuse: true},
		{name: "errored", refuse: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := signaling.NewMemoryStore()
			callerEngine, calleeEngine := newFakeEngine("u1"), newFakeEngine("u2")
			caller := newTestSession(t, "u1", "u2", degradedStore{Store: store, refuse: tc.refuse}, callerEngine)
			callee := newTestSession(t, "u2", "u1", store, calleeEngine)

			connectPair(t, caller, callee)

			waitFor(t, "caller candidates to reach the callee", func() bool {
				return len(calleeEngine.connection(0).remoteCandidates()) == 2
			})
			if n := len(listRecords(t, store, caller.Key(), RoleCaller)); n != 2 {
				t.Fatalf("caller published %d candidates", n)
			}
			if n := len(callerEngine.connection(0).remoteCandidates()); n != 0 {
				t.Fatalf("caller applied %d candidates without a subscription", n)
			}

			if err := caller.Hangup(context.Background()); err != nil {
				t.Fatalf("Hangup: %v", err)
			}
			waitDone(t, callee)
			if callee.State() != StateTerminated {
				t.Fatalf("callee state %s after caller hangup", callee.State())
			}
		})
	}
}

func TestUnobservedOfferRemovalTerminates(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller := newTestSession(t, "u1", "u2", hidingStore{Store: store}, newFakeEngine("u1"))

	if err := caller.InitiateCall(context.Background()); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if err := store.Delete(context.Background(), caller.Key()); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	waitDone(t, caller)
	if caller.State() != StateTerminated {
		t.Fatalf("state %s after document removal", caller.State())
	}
}

func TestStaleAbsentSnapshotKeepsOffer(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller := newTestSession(t, "u1", "u2", hidingStore{Store: store}, newFakeEngine("u1"))

	if err := caller.InitiateCall(context.Background()); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}

	// A snapshot taken before the offer write, delivered late.
	caller.onCallSnapshot(nil, false)

	select {
	case <-caller.Done():
		t.Fatalf("stale snapshot ended the call")
	case <-time.After(50 * time.Millisecond):
	}
	if caller.State() != StateNegotiating {
		t.Fatalf("state %s after stale snapshot", caller.State())
	}
	if store.Len() != 1 {
		t.Fatalf("offer document missing")
	}
}
