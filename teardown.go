package call

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/harshabose/simple_webrtc_comm/call/pkg/mediasink"
	"github.com/harshabose/simple_webrtc_comm/call/pkg/signaling"
)

// releasable is everything a session hands over to teardown. Any field may be
// nil.
type releasable struct {
	unsubscribe signaling.Unsubscribe
	relay       *candidateRelay
	local       LocalStream
	remote      *mediasink.Stream
	conn        Connection
}

type teardown struct {
	store  signaling.Store
	key    string
	logger zerolog.Logger
}

// run releases res in order: listeners, media, candidate records, the call
// document, then the connection. Store failures are logged and swallowed;
// the returned error covers media and connection release only.
func (t teardown) run(ctx context.Context, res releasable) error {
	var merr error

	if res.unsubscribe != nil {
		res.unsubscribe()
	}
	if res.relay != nil {
		res.relay.Stop()
	}

	if res.local != nil {
		if err := res.local.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("failed to release local stream")
			merr = multierr.Append(merr, fmt.Errorf("release local stream: %w", err))
		}
	}
	if res.remote != nil {
		if err := res.remote.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("failed to release remote stream")
			merr = multierr.Append(merr, fmt.Errorf("release remote stream: %w", err))
		}
	}

	t.deleteCandidates(ctx)

	if err := t.store.Delete(ctx, t.key); err != nil {
		t.logger.Warn().Err(&StorePersistError{Op: "delete", Key: t.key, Err: err}).Msg("failed to delete call document")
	}

	if res.conn != nil {
		if err := res.conn.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("failed to close peer connection")
			merr = multierr.Append(merr, fmt.Errorf("close peer connection: %w", err))
		}
	}

	return merr
}

// deleteCandidates empties both role collections in parallel. Each side is
// attempted regardless of the other's outcome.
func (t teardown) deleteCandidates(ctx context.Context) {
	var g errgroup.Group

	for _, role := range []Role{RoleCaller, RoleCallee} {
		g.Go(func() error {
			if err := t.store.Collection(t.key, string(role)).DeleteAll(ctx); err != nil {
				err = &StorePersistError{Op: "delete-candidates/" + string(role), Key: t.key, Err: err}
				t.logger.Warn().Err(err).Msg("failed to delete candidates")
				return err
			}
			return nil
		})
	}

	_ = g.Wait()
}
