package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/harshabose/simple_webrtc_comm/call/pkg/signaling"
)

const waitTimeout = 5 * time.Second

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s to reach %s (now %s)", s.localID, want, s.State()), func() bool {
		return s.State() == want
	})
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()

	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session %s did not finish teardown", s.localID)
	}
}

type fakeStream struct {
	id     string
	closed atomic.Int32
}

func (s *fakeStream) ID() string                  { return s.id }
func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeStream) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeRemoteTrack struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType
}

func (t *fakeRemoteTrack) ID() string                { return t.id }
func (t *fakeRemoteTrack) StreamID() string          { return t.streamID }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeRemoteTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}
}

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

// fakeConnection records what the session does to it. Once its local
// description is set it reports two candidates; once its remote description
// is set it applies buffered candidates and reports one remote track.
type fakeConnection struct {
	id string

	mux            sync.Mutex
	local          *webrtc.SessionDescription
	remote         *webrtc.SessionDescription
	setRemoteCalls int
	candidates     []webrtc.ICECandidateInit
	pending        []webrtc.ICECandidateInit
	tracks         int
	onCandidate    func(*webrtc.ICECandidateInit)
	onTrack        func(RemoteTrack)
	closed         int

	gather bool
}

func (c *fakeConnection) AddTrack(webrtc.TrackLocal) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.tracks++
	return nil
}

func (c *fakeConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer " + c.id}, nil
}

func (c *fakeConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer " + c.id}, nil
}

func (c *fakeConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mux.Lock()
	c.local = &desc
	onCandidate, gather := c.onCandidate, c.gather
	c.mux.Unlock()

	if gather && onCandidate != nil {
		go func() {
			for i := range 2 {
				mid, index := "0", uint16(0)
				onCandidate(&webrtc.ICECandidateInit{
					Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000%d typ host", i, i+1, i),
					SDPMid:        &mid,
					SDPMLineIndex: &index,
				})
			}
			onCandidate(nil)
		}()
	}
	return nil
}

func (c *fakeConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mux.Lock()
	c.setRemoteCalls++
	if c.remote != nil {
		c.mux.Unlock()
		return ErrRemoteDescriptionSet
	}
	c.remote = &desc
	c.candidates = append(c.candidates, c.pending...)
	c.pending = nil
	onTrack := c.onTrack
	c.mux.Unlock()

	if onTrack != nil {
		go onTrack(&fakeRemoteTrack{id: "audio-" + c.id, streamID: "stream-" + c.id, kind: webrtc.RTPCodecTypeAudio})
	}
	return nil
}

func (c *fakeConnection) RemoteDescription() *webrtc.SessionDescription {
	c.mux.Lock()
	defer c.mux.Unlock()

	return c.remote
}

func (c *fakeConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if candidate.Candidate == "reject" {
		return errors.New("unparsable candidate")
	}
	if c.remote == nil {
		c.pending = append(c.pending, candidate)
		return nil
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.onCandidate = fn
}

func (c *fakeConnection) OnTrack(fn func(RemoteTrack)) {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.onTrack = fn
}

func (c *fakeConnection) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.closed++
	return nil
}

func (c *fakeConnection) remoteCandidates() []webrtc.ICECandidateInit {
	c.mux.Lock()
	defer c.mux.Unlock()

	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *fakeConnection) pendingCandidates() int {
	c.mux.Lock()
	defer c.mux.Unlock()

	return len(c.pending)
}

func (c *fakeConnection) closeCount() int {
	c.mux.Lock()
	defer c.mux.Unlock()

	return c.closed
}

func (c *fakeConnection) remoteCalls() int {
	c.mux.Lock()
	defer c.mux.Unlock()

	return c.setRemoteCalls
}

type fakeEngine struct {
	name string

	mux         sync.Mutex
	acquireErr  error
	gather      bool
	streams     []*fakeStream
	connections []*fakeConnection
}

func newFakeEngine(name string) *fakeEngine {
	return &fakeEngine{name: name, gather: true}
}

func (e *fakeEngine) AcquireLocalStream(ctx context.Context) (LocalStream, error) {
	e.mux.Lock()
	defer e.mux.Unlock()

	if e.acquireErr != nil {
		return nil, e.acquireErr
	}
	stream := &fakeStream{id: fmt.Sprintf("%s-local-%d", e.name, len(e.streams))}
	e.streams = append(e.streams, stream)
	return stream, nil
}

func (e *fakeEngine) CreateConnection(webrtc.Configuration) (Connection, error) {
	e.mux.Lock()
	defer e.mux.Unlock()

	conn := &fakeConnection{id: fmt.Sprintf("%s-%d", e.name, len(e.connections)), gather: e.gather}
	e.connections = append(e.connections, conn)
	return conn, nil
}

func (e *fakeEngine) setAcquireErr(err error) {
	e.mux.Lock()
	defer e.mux.Unlock()

	e.acquireErr = err
}

func (e *fakeEngine) connection(i int) *fakeConnection {
	e.mux.Lock()
	defer e.mux.Unlock()

	if i >= len(e.connections) {
		return nil
	}
	return e.connections[i]
}

func (e *fakeEngine) stream(i int) *fakeStream {
	e.mux.Lock()
	defer e.mux.Unlock()

	if i >= len(e.streams) {
		return nil
	}
	return e.streams[i]
}

// recordingStore counts writes and can fail selected operations.
type recordingStore struct {
	signaling.Store

	mux        sync.Mutex
	sets       int
	updates    int
	deletes    int
	failSet    error
	failUpdate error
}

func (s *recordingStore) Set(ctx context.Context, key string, fields signaling.Fields) error {
	s.mux.Lock()
	s.sets++
	err := s.failSet
	s.mux.Unlock()

	if err != nil {
		return err
	}
	return s.Store.Set(ctx, key, fields)
}

func (s *recordingStore) Update(ctx context.Context, key string, fields signaling.Fields) error {
	s.mux.Lock()
	s.updates++
	err := s.failUpdate
	s.mux.Unlock()

	if err != nil {
		return err
	}
	return s.Store.Update(ctx, key, fields)
}

func (s *recordingStore) setFailUpdate(err error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.failUpdate = err
}

func (s *recordingStore) Delete(ctx context.Context, key string) error {
	s.mux.Lock()
	s.deletes++
	s.mux.Unlock()

	return s.Store.Delete(ctx, key)
}

func (s *recordingStore) counts() (sets, updates, deletes int) {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.sets, s.updates, s.deletes
}

// degradedStore hands out collections whose subscriptions are refused, or
// report an error and then go quiet.
type degradedStore struct {
	signaling.Store
	refuse bool
}

func (s degradedStore) Collection(key, name string) signaling.Collection {
	return degradedCollection{Collection: s.Store.Collection(key, name), refuse: s.refuse}
}

type degradedCollection struct {
	signaling.Collection
	refuse bool
}

func (c degradedCollection) Subscribe(ctx context.Context, _ signaling.OnChange, onError signaling.OnError) (signaling.Unsubscribe, error) {
	if c.refuse {
		return nil, errors.New("permission denied")
	}

	unsubscribe, err := c.Collection.Subscribe(ctx, func(_, _ []signaling.Record) {}, onError)
	if err != nil {
		return nil, err
	}
	go onError(errors.New("listen stream closed"))
	return unsubscribe, nil
}

// hidingStore never delivers snapshots in which the document exists, like a
// watch that merged a create with the delete that followed it.
type hidingStore struct {
	signaling.Store
}

func (s hidingStore) Subscribe(ctx context.Context, key string, onSnapshot signaling.OnSnapshot, onError signaling.OnError) (signaling.Unsubscribe, error) {
	return s.Store.Subscribe(ctx, key, func(fields signaling.Fields, exists bool) {
		if !exists {
			onSnapshot(fields, exists)
		}
	}, onError)
}

func listRecords(t *testing.T, store signaling.Store, key string, role Role) []signaling.Record {
	t.Helper()

	records, err := store.Collection(key, string(role)).ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll(%s): %v", role, err)
	}
	return records
}
