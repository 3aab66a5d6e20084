package call

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
)

// Config is the file form of everything a call participant needs besides its
// identity. Environment variables override the file; see LoadConfig.
type Config struct {
	// Collection holds the call documents.
	Collection string         `json:"collection,omitempty"`
	Firebase   FirebaseConfig `json:"firebase"`

	// ICEServers replaces the STUN/TURN servers taken from the environment.
	ICEServers      []webrtc.ICEServer `json:"ice_servers,omitempty"`
	TeardownTimeout time.Duration      `json:"teardown_timeout,omitempty"`

	Engine EngineConfig `json:"engine"`
}

type EngineConfig struct {
	// Media configuration
	H264 *VideoCodecConfig `json:"h264,omitempty"`
	VP8  *VideoCodecConfig `json:"vp8,omitempty"`
	Opus *OpusConfig       `json:"opus,omitempty"`

	// Interceptor configurations
	NACK        *NACKPreset        `json:"nack,omitempty"`
	RTCPReports *RTCPReportsPreset `json:"rtcp_reports,omitempty"`
	TWCC        *TWCCPreset        `json:"twcc,omitempty"`

	// Feature flags
	TWCCHeaderExtension bool `json:"twcc_header_extension,omitempty"`
	TolerantICE         bool `json:"tolerant_ice,omitempty"`
}

type VideoCodecConfig struct {
	ClockRate uint32 `json:"clock_rate"`
}

type OpusConfig struct {
	SampleRate    uint32 `json:"sample_rate"`
	ChannelLayout uint16 `json:"channel_layout"`
}

type NACKPreset string
type RTCPReportsPreset string
type TWCCPreset string

const (
	NACKLowLatency   NACKPreset = "low_latency"
	NACKDefault      NACKPreset = "default"
	NACKLowBandwidth NACKPreset = "low_bandwidth"

	RTCPReportsLowLatency   RTCPReportsPreset = "low_latency"
	RTCPReportsDefault      RTCPReportsPreset = "default"
	RTCPReportsLowBandwidth RTCPReportsPreset = "low_bandwidth"

	TWCCLowLatency   TWCCPreset = "low_latency"
	TWCCDefault      TWCCPreset = "default"
	TWCCLowBandwidth TWCCPreset = "low_bandwidth"
)

var (
	nackGeneratorPresets = map[NACKPreset]NACKGeneratorOptions{
		NACKLowLatency:   NACKGeneratorLowLatency,
		NACKDefault:      NACKGeneratorDefault,
		NACKLowBandwidth: NACKGeneratorLowBandwidth,
	}

	nackResponderPresets = map[NACKPreset]NACKResponderOptions{
		NACKLowLatency:   NACKResponderLowLatency,
		NACKDefault:      NACKResponderDefault,
		NACKLowBandwidth: NACKResponderLowBandwidth,
	}

	rtcpReportsPresets = map[RTCPReportsPreset]RTCPReportInterval{
		RTCPReportsLowLatency:   RTCPReportIntervalLowLatency,
		RTCPReportsDefault:      RTCPReportIntervalDefault,
		RTCPReportsLowBandwidth: RTCPReportIntervalLowBandwidth,
	}

	twccPresets = map[TWCCPreset]TWCCSenderInterval{
		TWCCLowLatency:   TWCCIntervalLowLatency,
		TWCCDefault:      TWCCIntervalDefault,
		TWCCLowBandwidth: TWCCIntervalLowBandwidth,
	}
)

// LoadConfig reads the JSON file at path, if any, then applies CALL_COLLECTION
// and FIREBASE_PROJECT_ID from the environment. An empty path yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	config := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error while reading config: %w", err)
		}
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("error while decoding config %s: %w", path, err)
		}
	}

	if collection := os.Getenv("CALL_COLLECTION"); collection != "" {
		config.Collection = collection
	}
	if project := os.Getenv("FIREBASE_PROJECT_ID"); project != "" {
		config.Firebase.ProjectID = project
	}

	if config.Collection == "" {
		config.Collection = DefaultCollection
	}
	if config.TeardownTimeout <= 0 {
		config.TeardownTimeout = DefaultTeardownTimeout
	}

	if err := config.Engine.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) RTCConfiguration() webrtc.Configuration {
	if len(c.ICEServers) > 0 {
		return webrtc.Configuration{ICEServers: c.ICEServers}
	}
	return GetFullRTCConfiguration()
}

func (c *Config) SessionOptions() []SessionOption {
	return []SessionOption{
		WithRTCConfiguration(c.RTCConfiguration()),
		WithTeardownTimeout(c.TeardownTimeout),
	}
}

func (c *EngineConfig) validate() error {
	if c.NACK != nil {
		if _, exists := nackGeneratorPresets[*c.NACK]; !exists {
			return fmt.Errorf("unknown nack preset %q", *c.NACK)
		}
	}
	if c.RTCPReports != nil {
		if _, exists := rtcpReportsPresets[*c.RTCPReports]; !exists {
			return fmt.Errorf("unknown rtcp reports preset %q", *c.RTCPReports)
		}
	}
	if c.TWCC != nil {
		if _, exists := twccPresets[*c.TWCC]; !exists {
			return fmt.Errorf("unknown twcc preset %q", *c.TWCC)
		}
	}
	return nil
}

type optionBuilder struct {
	options []EngineOption
}

func (ob *optionBuilder) add(option EngineOption) *optionBuilder {
	if option != nil {
		ob.options = append(ob.options, option)
	}
	return ob
}

// ToOptions converts the configuration to engine options. Codecs come first
// so that interceptor feedback attaches to them.
func (c *EngineConfig) ToOptions() []EngineOption {
	builder := &optionBuilder{}

	return builder.
		add(c.h264Option()).
		add(c.vp8Option()).
		add(c.opusOption()).
		add(c.nackOption()).
		add(c.rtcpReportsOption()).
		add(c.twccOption()).
		add(c.twccHeaderOption()).
		add(c.iceOption()).
		options
}

func (c *EngineConfig) h264Option() EngineOption {
	if c.H264 == nil {
		return nil
	}
	return WithH264MediaEngine(clockRateOrDefault(c.H264.ClockRate))
}

func (c *EngineConfig) vp8Option() EngineOption {
	if c.VP8 == nil {
		return nil
	}
	return WithVP8MediaEngine(clockRateOrDefault(c.VP8.ClockRate))
}

func (c *EngineConfig) opusOption() EngineOption {
	if c.Opus == nil {
		return nil
	}

	samplerate := c.Opus.SampleRate
	if samplerate == 0 {
		samplerate = DefaultOpusSampleRate
	}
	channels := c.Opus.ChannelLayout
	if channels == 0 {
		channels = DefaultOpusChannels
	}
	return WithOpusMediaEngine(samplerate, channels)
}

func (c *EngineConfig) nackOption() EngineOption {
	if c.NACK == nil {
		return nil
	}

	generator, generatorExists := nackGeneratorPresets[*c.NACK]
	responder, responderExists := nackResponderPresets[*c.NACK]

	if !generatorExists || !responderExists {
		return nil
	}

	return WithNACKInterceptor(generator, responder)
}

func (c *EngineConfig) rtcpReportsOption() EngineOption {
	if c.RTCPReports == nil {
		return nil
	}

	interval, exists := rtcpReportsPresets[*c.RTCPReports]
	if !exists {
		return nil
	}

	return WithRTCPReportsInterceptor(interval)
}

func (c *EngineConfig) twccOption() EngineOption {
	if c.TWCC == nil {
		return nil
	}

	interval, exists := twccPresets[*c.TWCC]
	if !exists {
		return nil
	}

	return WithTWCCSenderInterceptor(interval)
}

func (c *EngineConfig) twccHeaderOption() EngineOption {
	if !c.TWCCHeaderExtension {
		return nil
	}
	return WithTWCCHeaderExtensionSender()
}

func (c *EngineConfig) iceOption() EngineOption {
	if !c.TolerantICE {
		return nil
	}
	return WithICETimeouts(ICETimeoutsTolerant)
}

func clockRateOrDefault(clockrate uint32) uint32 {
	if clockrate == 0 {
		return DefaultVideoClockRate
	}
	return clockrate
}
