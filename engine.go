package call

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/harshabose/simple_webrtc_comm/call/pkg/mediasource"
)

// CodecPopulator registers codecs on a media engine. A capture source whose
// encoders fix the payload formats implements it.
type CodecPopulator interface {
	Populate(mediaEngine *webrtc.MediaEngine)
}

// PionEngine is the MediaEngine backed by pion. Every connection shares the
// codec, interceptor and setting configuration given at construction.
type PionEngine struct {
	source              mediasource.Source
	mediaEngine         *webrtc.MediaEngine
	interceptorRegistry *interceptor.Registry
	settingEngine       *webrtc.SettingEngine
	api                 *webrtc.API
	logger              zerolog.Logger

	codecsRegistered bool
	connections      atomic.Int64

	ctx context.Context
}

func NewPionEngine(ctx context.Context, source mediasource.Source, options ...EngineOption) (*PionEngine, error) {
	if source == nil {
		return nil, errors.New("media source is required")
	}

	e := &PionEngine{
		source:              source,
		mediaEngine:         &webrtc.MediaEngine{},
		interceptorRegistry: &interceptor.Registry{},
		settingEngine:       &webrtc.SettingEngine{},
		logger:              zerolog.Nop(),
		ctx:                 ctx,
	}

	for _, option := range options {
		if err := option(e); err != nil {
			return nil, err
		}
	}

	if err := e.ensureCodecs(); err != nil {
		return nil, err
	}

	e.settingEngine.LoggerFactory = newPionLoggerFactory(e.logger)
	e.api = webrtc.NewAPI(webrtc.WithMediaEngine(e.mediaEngine), webrtc.WithInterceptorRegistry(e.interceptorRegistry), webrtc.WithSettingEngine(*e.settingEngine))

	return e, nil
}

// ensureCodecs falls back to pion's default codec set when no codec option
// ran. Feedback registration needs codecs to attach to, so interceptor options
// call it too.
func (e *PionEngine) ensureCodecs() error {
	if e.codecsRegistered {
		return nil
	}
	if err := e.mediaEngine.RegisterDefaultCodecs(); err != nil {
		return err
	}
	e.codecsRegistered = true
	return nil
}

func (e *PionEngine) AcquireLocalStream(ctx context.Context) (LocalStream, error) {
	stream, err := e.source.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (e *PionEngine) CreateConnection(config webrtc.Configuration) (Connection, error) {
	label := "pc-" + uuid.NewString()

	pc, err := CreatePeerConnection(e.ctx, label, e.api, config, e.logger)
	if err != nil {
		return nil, err
	}

	e.connections.Add(1)
	return pc, nil
}

// Connections counts the connections created so far.
func (e *PionEngine) Connections() int64 {
	return e.connections.Load()
}
