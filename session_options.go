package call

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/harshabose/simple_webrtc_comm/call/pkg/mediasink"
)

type SessionOption = func(*Session) error

func WithLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) error {
		s.logger = logger
		return nil
	}
}

func WithRTCConfiguration(config webrtc.Configuration) SessionOption {
	return func(s *Session) error {
		s.rtcConfig = config
		return nil
	}
}

// WithTeardownTimeout bounds the store cleanup done on hangup.
func WithTeardownTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) error {
		if timeout <= 0 {
			return errors.New("teardown timeout must be positive")
		}
		s.teardownTimeout = timeout
		return nil
	}
}

// WithStateChangeHandler registers the callback invoked after every state
// transition. Callbacks are serialised and never run under the session lock.
func WithStateChangeHandler(fn func(State)) SessionOption {
	return func(s *Session) error {
		if fn == nil {
			return errors.New("state change handler is nil")
		}
		s.onStateChange = fn
		return nil
	}
}

func WithLocalStreamHandler(fn func(LocalStream)) SessionOption {
	return func(s *Session) error {
		if fn == nil {
			return errors.New("local stream handler is nil")
		}
		s.onLocalStream = fn
		return nil
	}
}

// WithRemoteStreamHandler registers the callback invoked every time the remote
// stream gains a track.
func WithRemoteStreamHandler(fn func(*mediasink.Stream)) SessionOption {
	return func(s *Session) error {
		if fn == nil {
			return errors.New("remote stream handler is nil")
		}
		s.onRemoteStream = fn
		return nil
	}
}

func WithRemoteStreamOptions(options ...mediasink.StreamOption) SessionOption {
	return func(s *Session) error {
		s.remoteStreamOptions = append(s.remoteStreamOptions, options...)
		return nil
	}
}
