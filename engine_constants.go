package call

import (
	"time"

	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
)

const (
	H264PayloadType    webrtc.PayloadType = 102
	H264RTXPayloadType webrtc.PayloadType = 103
	VP8PayloadType     webrtc.PayloadType = 96
	VP8RTXPayloadType  webrtc.PayloadType = 97
	OpusPayloadType    webrtc.PayloadType = 111

	DefaultVideoClockRate uint32 = 90000
	DefaultOpusSampleRate uint32 = 48000
	DefaultOpusChannels   uint16 = 2
)

type NACKGeneratorOptions []nack.GeneratorOption

var (
	NACKGeneratorLowLatency   NACKGeneratorOptions = []nack.GeneratorOption{nack.GeneratorSize(256), nack.GeneratorSkipLastN(2), nack.GeneratorMaxNacksPerPacket(1), nack.GeneratorInterval(10 * time.Millisecond)}
	NACKGeneratorDefault      NACKGeneratorOptions = []nack.GeneratorOption{nack.GeneratorSize(512), nack.GeneratorSkipLastN(5), nack.GeneratorMaxNacksPerPacket(2), nack.GeneratorInterval(50 * time.Millisecond)}
	NACKGeneratorLowBandwidth NACKGeneratorOptions = []nack.GeneratorOption{nack.GeneratorSize(256), nack.GeneratorSkipLastN(15), nack.GeneratorMaxNacksPerPacket(1), nack.GeneratorInterval(200 * time.Millisecond)}
)

type NACKResponderOptions []nack.ResponderOption

var (
	NACKResponderLowLatency   NACKResponderOptions = []nack.ResponderOption{nack.ResponderSize(256)}
	NACKResponderDefault      NACKResponderOptions = []nack.ResponderOption{nack.ResponderSize(1024)}
	NACKResponderLowBandwidth NACKResponderOptions = []nack.ResponderOption{nack.ResponderSize(256)}
)

type TWCCSenderInterval time.Duration

const (
	TWCCIntervalLowLatency   = TWCCSenderInterval(100 * time.Millisecond)
	TWCCIntervalDefault      = TWCCSenderInterval(200 * time.Millisecond)
	TWCCIntervalLowBandwidth = TWCCSenderInterval(500 * time.Millisecond)
)

type RTCPReportInterval time.Duration

const (
	RTCPReportIntervalLowLatency   = RTCPReportInterval(1 * time.Second)
	RTCPReportIntervalDefault      = RTCPReportInterval(3 * time.Second)
	RTCPReportIntervalLowBandwidth = RTCPReportInterval(10 * time.Second)
)

// ICETimeouts are passed to the setting engine. A call should survive a short
// relay outage rather than drop at pion's five second default.
type ICETimeouts struct {
	Disconnected time.Duration
	Failed       time.Duration
	KeepAlive    time.Duration
}

var ICETimeoutsTolerant = ICETimeouts{
	Disconnected: 30 * time.Second,
	Failed:       120 * time.Second,
	KeepAlive:    2 * time.Second,
}
