package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/harshabose/simple_webrtc_comm/call/pkg/mediasink"
	"github.com/harshabose/simple_webrtc_comm/call/pkg/signaling"
)

const DefaultTeardownTimeout = 10 * time.Second

// Session is one participant's side of a two-party call. It reacts to changes
// of the shared call document, to the peer's candidates, to media engine
// callbacks and to the local user's actions. Every notification may be
// delivered more than once; transitions are guarded so duplicates are no-ops.
type Session struct {
	key      string
	localID  string
	remoteID string

	store               signaling.Store
	engine              MediaEngine
	rtcConfig           webrtc.Configuration
	remoteStreamOptions []mediasink.StreamOption
	teardownTimeout     time.Duration
	logger              zerolog.Logger

	onStateChange  func(State)
	onLocalStream  func(LocalStream)
	onRemoteStream func(*mediasink.Stream)
	events         *notifier

	mux   sync.Mutex
	state State
	role  Role
	// negotiating is set from the start of an offer or answer until rollback
	// or teardown; it suppresses incoming rings and duplicate attempts.
	negotiating bool
	connected   bool
	// localOffer is the SDP of the offer this session published as caller.
	localOffer string
	// docSeen: the call document was observed for the current negotiation, so
	// its disappearance means the peer hung up.
	docSeen bool
	// offerPublished: the offer write has returned for the current attempt.
	offerPublished bool
	answerApplied  bool
	answered       bool
	trackPending   bool
	// incoming is the peer's offer from the last snapshot, if any.
	incoming      *CallDocument
	conn          Connection
	local         LocalStream
	remote        *mediasink.Stream
	relay         *candidateRelay
	unsubscribe   signaling.Unsubscribe
	cancelAttempt context.CancelFunc

	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession prepares localID's side of the call with remoteID and starts
// listening for the call document. The session ends with Hangup or when the
// peer hangs up; either way all listeners are released.
func NewSession(ctx context.Context, localID, remoteID string, store signaling.Store, engine MediaEngine, options ...SessionOption) (*Session, error) {
	if localID == "" || remoteID == "" {
		return nil, errors.New("participant identifiers must not be empty")
	}
	if localID == remoteID {
		return nil, errors.New("participant identifiers must differ")
	}
	if store == nil || engine == nil {
		return nil, errors.New("signaling store and media engine are required")
	}

	ctx2, cancel2 := context.WithCancel(ctx)

	s := &Session{
		key:             ResolveSessionKey(localID, remoteID),
		localID:         localID,
		remoteID:        remoteID,
		store:           store,
		engine:          engine,
		teardownTimeout: DefaultTeardownTimeout,
		logger:          zerolog.Nop(),
		state:           StateIdle,
		done:            make(chan struct{}),
		ctx:             ctx2,
		cancel:          cancel2,
	}

	for _, option := range options {
		if err := option(s); err != nil {
			cancel2()
			return nil, err
		}
	}

	s.logger = s.logger.With().Str("session", s.key).Str("local", localID).Logger()
	s.events = newNotifier()

	unsubscribe, err := store.Subscribe(ctx2, s.key, s.onCallSnapshot, s.onCallSubscriptionError)
	if err != nil {
		cancel2()
		s.events.close()
		return nil, &StoreSubscriptionError{Target: s.key, Err: err}
	}

	s.mux.Lock()
	s.unsubscribe = unsubscribe
	s.mux.Unlock()

	return s, nil
}

func (s *Session) Key() string {
	return s.key
}

func (s *Session) State() State {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.state
}

// Connected reports whether the remote description is applied and, for the
// callee, remote media has arrived.
func (s *Session) Connected() bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.connected
}

func (s *Session) Role() Role {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.role
}

// Connection is the peer connection of the current attempt, if any.
func (s *Session) Connection() Connection {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.conn
}

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// InitiateCall offers a call to the remote participant.
func (s *Session) InitiateCall(ctx context.Context) error {
	s.mux.Lock()
	if s.state == StateTerminated {
		s.mux.Unlock()
		return ErrSessionTerminated
	}
	if s.negotiating || s.state != StateIdle {
		state := s.state
		s.mux.Unlock()
		return fmt.Errorf("initiate call in state %s: %w", state, ErrInvalidState)
	}

	ctx2, cancel2 := context.WithCancel(ctx)
	defer cancel2()

	s.negotiating = true
	s.role = RoleCaller
	s.cancelAttempt = cancel2
	s.setStateLocked(StateNegotiating)
	s.mux.Unlock()

	s.logger.Info().Msg("initiating call")

	if err := s.startAsCaller(ctx2); err != nil {
		return s.rollback(err)
	}

	return nil
}

// AcceptCall answers the pending incoming call. Accepting a call that is
// already being answered is a no-op.
func (s *Session) AcceptCall(ctx context.Context) error {
	s.mux.Lock()
	if s.state == StateTerminated {
		s.mux.Unlock()
		return ErrSessionTerminated
	}
	if s.negotiating {
		role, state := s.role, s.state
		s.mux.Unlock()
		if role == RoleCallee {
			return nil
		}
		return fmt.Errorf("accept call in state %s as %s: %w", state, role, ErrInvalidState)
	}
	if s.state != StateIncomingRingPending && s.incoming == nil {
		s.mux.Unlock()
		return ErrNoIncomingCall
	}

	ctx2, cancel2 := context.WithCancel(ctx)
	defer cancel2()

	s.negotiating = true
	s.role = RoleCallee
	s.cancelAttempt = cancel2
	s.setStateLocked(StateNegotiating)
	s.mux.Unlock()

	s.logger.Info().Msg("accepting call")

	if err := s.startAsCallee(ctx2); err != nil {
		return s.rollback(err)
	}

	return nil
}

// Hangup ends the call from this side. It is safe to call in any state and
// more than once; only the first call releases anything.
func (s *Session) Hangup(ctx context.Context) error {
	return s.terminate(ctx, "local hangup")
}

func (s *Session) startAsCaller(ctx context.Context) error {
	// Candidates left under this key by an earlier call would otherwise be
	// replayed to the new connections.
	s.purgeCandidates(ctx)

	conn, err := s.prepareConnection(ctx, RoleCaller)
	if err != nil {
		return err
	}

	offer, err := conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("error while creating offer: %w", err)
	}

	if err := conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("error while setting local sdp: %w", err)
	}

	if err := s.adopt(func() { s.localOffer = offer.SDP }); err != nil {
		return err
	}

	doc := CallDocument{
		CallerOffer: &offer,
		SenderID:    s.localID,
		ReceiverID:  s.remoteID,
	}
	if err := s.store.Set(ctx, s.key, doc.Fields()); err != nil {
		return &StorePersistError{Op: "set", Key: s.key, Err: err}
	}

	if err := s.adopt(func() { s.offerPublished = true }); err != nil {
		// Hangup raced the write; the document must not outlive the session.
		s.discardDocument()
		return err
	}

	s.logger.Info().Msg("offer published; waiting for answer")
	return nil
}

func (s *Session) startAsCallee(ctx context.Context) error {
	fields, err := s.store.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, signaling.ErrNotFound) {
			return ErrNoIncomingCall
		}
		return fmt.Errorf("error while reading call document: %w", err)
	}

	doc, err := ParseCallDocument(fields)
	if err != nil {
		return fmt.Errorf("error while decoding call document: %w", err)
	}
	if doc.CallerOffer == nil || doc.SenderID == s.localID {
		return ErrNoIncomingCall
	}

	if err := s.adopt(func() { s.docSeen = true }); err != nil {
		return err
	}

	conn, err := s.prepareConnection(ctx, RoleCallee)
	if err != nil {
		return err
	}

	if err := conn.SetRemoteDescription(*doc.CallerOffer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("error while creating answer: %w", err)
	}

	if err := conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("error while setting local sdp: %w", err)
	}

	if err := s.store.Update(ctx, s.key, CallDocument{CalleeAnswer: &answer}.Fields()); err != nil {
		return &StorePersistError{Op: "update", Key: s.key, Err: err}
	}

	if err := s.adopt(func() {
		s.answered = true
		if s.trackPending && s.state == StateNegotiating {
			s.connected = true
			s.setStateLocked(StateConnected)
		}
	}); err != nil {
		return err
	}

	s.logger.Info().Msg("answer published")
	return nil
}

// prepareConnection acquires local media, creates the connection, attaches the
// local tracks and starts the candidate relay for role.
func (s *Session) prepareConnection(ctx context.Context, role Role) (Connection, error) {
	stream, err := s.engine.AcquireLocalStream(ctx)
	if err != nil {
		return nil, &MediaAcquisitionError{Err: err}
	}
	if err := s.adopt(func() { s.local = stream }); err != nil {
		_ = stream.Close()
		return nil, err
	}
	s.emitLocalStream(stream)

	conn, err := s.engine.CreateConnection(s.rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("error while creating peer connection: %w", err)
	}
	if err := s.adopt(func() { s.conn = conn }); err != nil {
		_ = conn.Close()
		return nil, err
	}

	conn.OnTrack(func(track RemoteTrack) {
		s.onRemoteTrack(conn, track)
	})

	for _, track := range stream.Tracks() {
		if err := conn.AddTrack(track); err != nil {
			return nil, fmt.Errorf("error while adding local track %s: %w", track.ID(), err)
		}
	}

	relay := newCandidateRelay(s.ctx, s.store, s.key, role, conn, s.logger, func() {
		s.hangupRemote("peer candidates removed")
	})
	if err := s.adopt(func() { s.relay = relay }); err != nil {
		relay.Stop()
		return nil, err
	}
	if err := relay.Start(); err != nil {
		s.logger.Error().Err(err).Msg("candidate relay degraded")
	}

	return conn, nil
}

// adopt runs fn under the session lock unless the session has terminated.
// Resources are only handed to the session through adopt so that teardown
// and an in-flight attempt never both own the same one.
func (s *Session) adopt(fn func()) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.state == StateTerminated {
		return ErrSessionTerminated
	}
	fn()
	return nil
}

// rollback undoes a failed attempt and returns the session to Idle. If the
// session terminated meanwhile, teardown owns the resources and the caller
// sees ErrSessionTerminated.
func (s *Session) rollback(cause error) error {
	s.mux.Lock()
	if s.state == StateTerminated {
		s.mux.Unlock()
		s.logger.Debug().Err(cause).Msg("attempt aborted by hangup")
		return ErrSessionTerminated
	}

	relay, local, remote, conn := s.relay, s.local, s.remote, s.conn
	s.relay, s.local, s.remote, s.conn = nil, nil, nil, nil
	s.resetNegotiationLocked()
	s.setStateLocked(StateIdle)
	s.mux.Unlock()

	s.logger.Warn().Err(cause).Msg("call attempt failed; back to idle")

	if relay != nil {
		relay.Stop()
	}
	if local != nil {
		if err := local.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to release local stream")
		}
	}
	if remote != nil {
		_ = remote.Close()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close peer connection")
		}
	}

	return cause
}

func (s *Session) resetNegotiationLocked() {
	s.role = RoleNone
	s.negotiating = false
	s.connected = false
	s.localOffer = ""
	s.docSeen = false
	s.offerPublished = false
	s.answerApplied = false
	s.answered = false
	s.trackPending = false
	s.cancelAttempt = nil
}

func (s *Session) terminate(ctx context.Context, reason string) error {
	s.mux.Lock()
	if s.state == StateTerminated {
		s.mux.Unlock()
		return nil
	}

	if s.cancelAttempt != nil {
		s.cancelAttempt()
	}
	res := releasable{
		unsubscribe: s.unsubscribe,
		relay:       s.relay,
		local:       s.local,
		remote:      s.remote,
		conn:        s.conn,
	}
	s.unsubscribe, s.relay, s.local, s.remote, s.conn = nil, nil, nil, nil, nil
	s.resetNegotiationLocked()
	s.incoming = nil
	s.setStateLocked(StateTerminated)
	s.mux.Unlock()

	s.logger.Info().Str("reason", reason).Msg("tearing down call")

	ctx2, cancel2 := context.WithTimeout(context.WithoutCancel(ctx), s.teardownTimeout)
	defer cancel2()

	err := teardown{store: s.store, key: s.key, logger: s.logger}.run(ctx2, res)

	s.cancel()
	s.events.close()
	close(s.done)

	return err
}

func (s *Session) hangupRemote(reason string) {
	go func() {
		if err := s.terminate(context.Background(), reason); err != nil {
			s.logger.Warn().Err(err).Msg("teardown after remote hangup finished with errors")
		}
	}()
}

func (s *Session) purgeCandidates(ctx context.Context) {
	teardown{store: s.store, key: s.key, logger: s.logger}.deleteCandidates(ctx)
}

func (s *Session) discardDocument() {
	ctx, cancel := context.WithTimeout(context.Background(), s.teardownTimeout)
	defer cancel()

	if err := s.store.Delete(ctx, s.key); err != nil {
		s.logger.Warn().Err(&StorePersistError{Op: "delete", Key: s.key, Err: err}).Msg("failed to discard call document")
	}
}

func (s *Session) onCallSnapshot(fields signaling.Fields, exists bool) {
	s.mux.Lock()

	if s.state == StateTerminated {
		s.mux.Unlock()
		return
	}

	if !exists {
		s.incoming = nil
		peerLeft := s.state == StateIncomingRingPending || (s.docSeen && (s.state == StateNegotiating || s.state == StateConnected))
		var unseenOffer string
		if !peerLeft && s.role == RoleCaller && s.offerPublished && s.state == StateNegotiating {
			unseenOffer = s.localOffer
		}
		s.mux.Unlock()

		if peerLeft {
			s.hangupRemote("call document removed")
		} else if unseenOffer != "" {
			s.confirmOfferRemoved(unseenOffer)
		}
		return
	}

	doc, err := ParseCallDocument(fields)
	if err != nil {
		s.mux.Unlock()
		s.logger.Warn().Err(err).Msg("ignoring undecodable call document")
		return
	}

	if doc.CallerOffer != nil && doc.SenderID != s.localID {
		s.incoming = &doc
		if s.state == StateIdle && !s.negotiating {
			s.logger.Info().Str("from", doc.SenderID).Msg("incoming call")
			s.setStateLocked(StateIncomingRingPending)
		}
	} else {
		s.incoming = nil
	}

	var (
		conn   Connection
		answer webrtc.SessionDescription
	)
	if s.role == RoleCaller && s.localOffer != "" && doc.CallerOffer != nil && doc.CallerOffer.SDP == s.localOffer {
		// Our own offer is visible; from here on its removal is a hangup.
		s.docSeen = true

		if doc.CalleeAnswer != nil && !s.answerApplied && s.conn != nil {
			s.answerApplied = true
			conn, answer = s.conn, *doc.CalleeAnswer
		}
	}
	s.mux.Unlock()

	if conn != nil {
		s.applyAnswer(conn, answer)
	}
}

// confirmOfferRemoved handles an absent snapshot after our offer was written
// but before any snapshot showed it. The snapshot is either stale, from before
// the write, or the watch merged the write with a later delete. A read tells
// the two apart.
func (s *Session) confirmOfferRemoved(offer string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.teardownTimeout)
	defer cancel()

	_, err := s.store.Get(ctx, s.key)
	if err == nil {
		return
	}
	if !errors.Is(err, signaling.ErrNotFound) {
		s.logger.Warn().Err(err).Msg("failed to check call document after absent snapshot")
		return
	}

	s.mux.Lock()
	current := s.state == StateNegotiating && s.role == RoleCaller && s.localOffer == offer
	s.mux.Unlock()

	if current {
		s.hangupRemote("call document removed before it was observed")
	}
}

func (s *Session) applyAnswer(conn Connection, answer webrtc.SessionDescription) {
	if conn.RemoteDescription() != nil {
		s.logger.Debug().Msg("remote description already set; ignoring answer")
		return
	}

	if err := conn.SetRemoteDescription(answer); err != nil {
		s.logger.Error().Err(err).Msg("failed to set remote description")

		s.mux.Lock()
		if s.conn == conn {
			s.answerApplied = false
		}
		s.mux.Unlock()
		return
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if s.conn != conn || s.state != StateNegotiating {
		return
	}
	s.connected = true
	s.setStateLocked(StateConnected)
}

func (s *Session) onCallSubscriptionError(err error) {
	s.logger.Error().Err(&StoreSubscriptionError{Target: s.key, Err: err}).Msg("call document subscription degraded")
}

// onRemoteTrack ignores tracks from a connection that a rollback or teardown
// has already detached.
func (s *Session) onRemoteTrack(conn Connection, track RemoteTrack) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.state == StateTerminated || s.conn != conn {
		return
	}

	if s.remote == nil {
		stream, err := mediasink.CreateStream(s.ctx, track.StreamID(), s.remoteStreamOptions...)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to create remote stream")
			return
		}
		s.remote = stream
	}

	if _, err := s.remote.AddTrack(track); err != nil {
		s.logger.Warn().Err(err).Str("track", track.ID()).Msg("ignoring remote track")
		return
	}
	s.logger.Info().Str("track", track.ID()).Str("kind", track.Kind().String()).Msg("remote track received")

	if s.role == RoleCallee && s.state == StateNegotiating {
		if s.answered {
			s.connected = true
			s.setStateLocked(StateConnected)
		} else {
			s.trackPending = true
		}
	}

	if s.onRemoteStream != nil {
		stream, fn := s.remote, s.onRemoteStream
		s.events.push(func() { fn(stream) })
	}
}

func (s *Session) emitLocalStream(stream LocalStream) {
	if s.onLocalStream == nil {
		return
	}
	fn := s.onLocalStream
	s.events.push(func() { fn(stream) })
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}

	s.logger.Debug().Str("from", s.state.String()).Str("to", next.String()).Msg("call state changed")
	s.state = next

	if s.onStateChange != nil {
		fn := s.onStateChange
		s.events.push(func() { fn(next) })
	}
}
