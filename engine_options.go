package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type EngineOption = func(*PionEngine) error

func WithEngineLogger(logger zerolog.Logger) EngineOption {
	return func(engine *PionEngine) error {
		engine.logger = logger
		return nil
	}
}

func WithH264MediaEngine(clockrate uint32) EngineOption {
	return func(engine *PionEngine) error {
		RTCPFeedback := []webrtc.RTCPFeedback{{Type: webrtc.TypeRTCPFBGoogREMB}, {Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"}, {Type: webrtc.TypeRTCPFBNACK}, {Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"}}
		if err := engine.mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    clockrate,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: RTCPFeedback,
			},
			PayloadType: H264PayloadType,
		}, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}

		if err := engine.mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeRTX,
				ClockRate:   clockrate,
				SDPFmtpLine: fmt.Sprintf("apt=%d", H264PayloadType),
			},
			PayloadType: H264RTXPayloadType,
		}, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}

		engine.codecsRegistered = true
		return nil
	}
}

func WithVP8MediaEngine(clockrate uint32) EngineOption {
	return func(engine *PionEngine) error {
		RTCPFeedback := []webrtc.RTCPFeedback{{Type: webrtc.TypeRTCPFBGoogREMB}, {Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"}, {Type: webrtc.TypeRTCPFBNACK}, {Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"}}
		if err := engine.mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    clockrate,
				RTCPFeedback: RTCPFeedback,
			},
			PayloadType: VP8PayloadType,
		}, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}

		if err := engine.mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeRTX,
				ClockRate:   clockrate,
				SDPFmtpLine: fmt.Sprintf("apt=%d", VP8PayloadType),
			},
			PayloadType: VP8RTXPayloadType,
		}, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}

		engine.codecsRegistered = true
		return nil
	}
}

func WithOpusMediaEngine(samplerate uint32, channelLayout uint16) EngineOption {
	return func(engine *PionEngine) error {
		if err := engine.mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   samplerate,
				Channels:    channelLayout,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: OpusPayloadType,
		}, webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}

		engine.codecsRegistered = true
		return nil
	}
}

func WithDefaultMediaEngine() EngineOption {
	return func(engine *PionEngine) error {
		return engine.ensureCodecs()
	}
}

// WithCodecPopulator lets a capture source register the codecs its encoders
// produce. It replaces the default codec set.
func WithCodecPopulator(populator CodecPopulator) EngineOption {
	return func(engine *PionEngine) error {
		if populator == nil {
			return errors.New("codec populator is nil")
		}
		populator.Populate(engine.mediaEngine)
		engine.codecsRegistered = true
		return nil
	}
}

func WithDefaultInterceptorRegistry() EngineOption {
	return func(engine *PionEngine) error {
		if err := engine.ensureCodecs(); err != nil {
			return err
		}
		return webrtc.RegisterDefaultInterceptors(engine.mediaEngine, engine.interceptorRegistry)
	}
}

func WithNACKInterceptor(generatorOptions NACKGeneratorOptions, responderOptions NACKResponderOptions) EngineOption {
	return func(engine *PionEngine) error {
		if err := engine.ensureCodecs(); err != nil {
			return err
		}

		generator, err := nack.NewGeneratorInterceptor(generatorOptions...)
		if err != nil {
			return err
		}
		responder, err := nack.NewResponderInterceptor(responderOptions...)
		if err != nil {
			return err
		}

		engine.mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBNACK}, webrtc.RTPCodecTypeVideo)
		engine.mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"}, webrtc.RTPCodecTypeVideo)
		engine.interceptorRegistry.Add(responder)
		engine.interceptorRegistry.Add(generator)

		return nil
	}
}

func WithTWCCSenderInterceptor(interval TWCCSenderInterval) EngineOption {
	return func(engine *PionEngine) error {
		if err := engine.ensureCodecs(); err != nil {
			return err
		}

		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			engine.mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBTransportCC}, kind)
			if err := engine.mediaEngine.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.TransportCCURI}, kind); err != nil {
				return err
			}
		}

		generator, err := twcc.NewSenderInterceptor(twcc.SendInterval(time.Duration(interval)))
		if err != nil {
			return err
		}

		engine.interceptorRegistry.Add(generator)
		return nil
	}
}

func WithRTCPReportsInterceptor(interval RTCPReportInterval) EngineOption {
	return func(engine *PionEngine) error {
		receiver, err := report.NewReceiverInterceptor(report.ReceiverInterval(time.Duration(interval)))
		if err != nil {
			return err
		}
		sender, err := report.NewSenderInterceptor(report.SenderInterval(time.Duration(interval)))
		if err != nil {
			return err
		}

		engine.interceptorRegistry.Add(receiver)
		engine.interceptorRegistry.Add(sender)

		return nil
	}
}

func WithTWCCHeaderExtensionSender() EngineOption {
	return func(engine *PionEngine) error {
		if err := engine.ensureCodecs(); err != nil {
			return err
		}
		return webrtc.ConfigureTWCCHeaderExtensionSender(engine.mediaEngine, engine.interceptorRegistry)
	}
}

func WithICETimeouts(timeouts ICETimeouts) EngineOption {
	return func(engine *PionEngine) error {
		if timeouts.Disconnected <= 0 || timeouts.Failed < timeouts.Disconnected {
			return errors.New("ICE failed timeout must not be shorter than the disconnected timeout")
		}
		engine.settingEngine.SetICETimeouts(timeouts.Disconnected, timeouts.Failed, timeouts.KeepAlive)
		return nil
	}
}
