package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/harshabose/simple_webrtc_comm/call/pkg/signaling"
)

// candidateRelay exchanges trickled ICE candidates through the store. Local
// candidates are appended to the collection named after our role; the peer's
// collection is only ever read through a subscription. Records written by an
// earlier failed attempt under the same role are not removed, so the peer
// receives them alongside those of the retry.
type candidateRelay struct {
	key    string
	role   Role
	conn   Connection
	local  signaling.Collection
	remote signaling.Collection
	logger zerolog.Logger

	// onPeerGone fires once when records disappear from the peer's collection.
	onPeerGone func()

	seen        map[string]struct{}
	unsubscribe signaling.Unsubscribe
	stopped     bool
	inflight    sync.WaitGroup
	peerOnce    sync.Once
	stopOnce    sync.Once
	mux         sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func newCandidateRelay(ctx context.Context, store signaling.Store, key string, role Role, conn Connection, logger zerolog.Logger, onPeerGone func()) *candidateRelay {
	ctx2, cancel2 := context.WithCancel(ctx)

	return &candidateRelay{
		key:        key,
		role:       role,
		conn:       conn,
		local:      store.Collection(key, string(role)),
		remote:     store.Collection(key, string(role.Peer())),
		logger:     logger.With().Str("role", string(role)).Logger(),
		onPeerGone: onPeerGone,
		seen:       make(map[string]struct{}),
		ctx:        ctx2,
		cancel:     cancel2,
	}
}

// Start hooks candidate discovery and subscribes to the peer's candidates. A
// failed subscription is returned but leaves the outbound half running.
func (r *candidateRelay) Start() error {
	r.conn.OnICECandidate(r.onLocalCandidate)

	unsubscribe, err := r.remote.Subscribe(r.ctx, r.onRemoteChange, r.onRemoteError)
	if err != nil {
		return &StoreSubscriptionError{Target: r.key + "/" + string(r.role.Peer()), Err: err}
	}

	r.mux.Lock()
	if r.stopped {
		r.mux.Unlock()
		unsubscribe()
		return nil
	}
	r.unsubscribe = unsubscribe
	r.mux.Unlock()

	return nil
}

func (r *candidateRelay) onLocalCandidate(candidate *webrtc.ICECandidateInit) {
	if candidate == nil {
		r.logger.Debug().Msg("ICE gathering complete")
		return
	}

	if candidate.SDPMid == nil || candidate.SDPMLineIndex == nil {
		r.logger.Debug().Str("candidate", candidate.Candidate).Msg("skipping incomplete local candidate")
		return
	}

	r.mux.Lock()
	if r.stopped {
		r.mux.Unlock()
		return
	}
	r.inflight.Add(1)
	r.mux.Unlock()
	defer r.inflight.Done()

	if _, err := r.local.Add(r.ctx, candidateFields(*candidate)); err != nil {
		r.logger.Warn().Err(&StorePersistError{Op: "add-candidate", Key: r.key, Err: err}).Msg("dropping local candidate")
		return
	}

	r.logger.Debug().Str("candidate", candidate.Candidate).Msg("published local candidate")
}

func (r *candidateRelay) onRemoteChange(added, removed []signaling.Record) {
	if r.ctx.Err() != nil {
		return
	}

	for _, record := range added {
		if !r.markSeen(record.ID) {
			continue
		}

		candidate, err := parseCandidate(record)
		if err != nil {
			r.logger.Warn().Err(err).Msg("skipping remote candidate")
			continue
		}

		if err := r.conn.AddICECandidate(candidate); err != nil {
			r.logger.Warn().Err(&MalformedCandidateError{RecordID: record.ID, Reason: "rejected by connection", Err: err}).Msg("skipping remote candidate")
			continue
		}
		r.logger.Debug().Str("record", record.ID).Str("candidate", candidate.Candidate).Msg("applied remote candidate")
	}

	if len(removed) > 0 {
		r.peerOnce.Do(func() {
			r.logger.Info().Int("removed", len(removed)).Msg("peer candidates removed; treating as remote hangup")
			if r.onPeerGone != nil {
				r.onPeerGone()
			}
		})
	}
}

func (r *candidateRelay) onRemoteError(err error) {
	r.logger.Error().Err(&StoreSubscriptionError{Target: r.key + "/" + string(r.role.Peer()), Err: err}).Msg("peer candidate subscription degraded")
}

func (r *candidateRelay) markSeen(id string) bool {
	r.mux.Lock()
	defer r.mux.Unlock()

	if _, exists := r.seen[id]; exists {
		return false
	}
	r.seen[id] = struct{}{}
	return true
}

// Stop unsubscribes and waits for in-flight candidate writes, so nothing is
// written to the store after it returns.
func (r *candidateRelay) Stop() {
	r.stopOnce.Do(func() {
		r.mux.Lock()
		r.stopped = true
		unsubscribe := r.unsubscribe
		r.unsubscribe = nil
		r.mux.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		r.cancel()
		r.inflight.Wait()
	})
}
