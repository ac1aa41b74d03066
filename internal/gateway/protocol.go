// Package gateway implements the WebSocket surface of the service: the
// compare endpoint that fans framed PCM out to several STT adapters and
// returns raw plus normalized transcripts, and the voice endpoint that runs
// the listen/think/speak turn machine on top of a single adapter.
package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/polyvox-ai/polyvox/pkg/types"
)

// ErrProtocol marks a malformed client message. The session sends one error
// event and closes the socket.
var ErrProtocol = errors.New("gateway: protocol error")

// Client sample rate bounds for pcm mode.
const (
	minClientSampleRate = 8000
	maxClientSampleRate = 96000
)

// ClientOptions is the nested options object of the config message. All
// fields are optional.
type ClientOptions struct {
	EnableVAD          bool     `json:"enableVad,omitempty"`
	PunctuationPolicy  string   `json:"punctuationPolicy,omitempty"`
	DictionaryPhrases  []string `json:"dictionaryPhrases,omitempty"`
	Parallel           int      `json:"parallel,omitempty"`
	MeetingMode        bool     `json:"meetingMode,omitempty"`
	EnableChannelSplit bool     `json:"enableChannelSplit,omitempty"`
	EnableDiarization  bool     `json:"enableDiarization,omitempty"`

	// Voice mode only.
	FinalizeDelayMs        int      `json:"finalizeDelayMs,omitempty"`
	MeetingRequireWakeWord bool     `json:"meetingRequireWakeWord,omitempty"`
	WakeWords              []string `json:"wakeWords,omitempty"`
}

// ConfigMessage is the mandatory first client frame on both endpoints.
type ConfigMessage struct {
	Type             string        `json:"type"`
	EnableInterim    *bool         `json:"enableInterim,omitempty"`
	ContextPhrases   []string      `json:"contextPhrases,omitempty"`
	NormalizePreset  string        `json:"normalizePreset,omitempty"`
	PCM              bool          `json:"pcm,omitempty"`
	Degraded         bool          `json:"degraded,omitempty"`
	ClientSampleRate int           `json:"clientSampleRate,omitempty"`
	Channels         int           `json:"channels,omitempty"`
	ChannelSplit     bool          `json:"channelSplit,omitempty"`
	Options          ClientOptions `json:"options,omitempty"`
}

// InterimEnabled reports the effective interim flag (default true).
func (c *ConfigMessage) InterimEnabled() bool {
	return c.EnableInterim == nil || *c.EnableInterim
}

// CommandMessage is a post-config control frame on the voice endpoint.
type CommandMessage struct {
	Type     string  `json:"type"`
	Name     string  `json:"name"`
	PlayedMs float64 `json:"playedMs,omitempty"`
}

// Command names accepted on the voice endpoint.
const (
	CmdBargeIn      = "barge_in"
	CmdStopSpeaking = "stop_speaking"
	CmdResetHistory = "reset_history"
)

// messageType peeks at the type discriminator of a control frame.
func messageType(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: invalid JSON: %v", ErrProtocol, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrProtocol)
	}
	return env.Type, nil
}

// strictDecode unmarshals data into v, rejecting unknown fields.
func strictDecode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// ParseConfig decodes and validates the first client frame. Any frame whose
// type is not "config", any unknown field, and a missing or out-of-range
// clientSampleRate in pcm mode are protocol errors.
func ParseConfig(data []byte) (*ConfigMessage, error) {
	typ, err := messageType(data)
	if err != nil {
		return nil, err
	}
	if typ != "config" {
		return nil, fmt.Errorf("%w: first message must be config, got %q", ErrProtocol, typ)
	}

	var cfg ConfigMessage
	if err := strictDecode(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.PCM {
		if cfg.ClientSampleRate == 0 {
			return nil, fmt.Errorf("%w: clientSampleRate required when pcm is set", ErrProtocol)
		}
		if cfg.ClientSampleRate < minClientSampleRate || cfg.ClientSampleRate > maxClientSampleRate {
			return nil, fmt.Errorf("%w: clientSampleRate %d outside [%d, %d]",
				ErrProtocol, cfg.ClientSampleRate, minClientSampleRate, maxClientSampleRate)
		}
	}
	if p := cfg.Options.PunctuationPolicy; p != "" && !types.PunctuationPolicy(p).IsValid() {
		return nil, fmt.Errorf("%w: unknown punctuationPolicy %q", ErrProtocol, p)
	}
	return &cfg, nil
}

// ParseCommand decodes a post-config voice control frame.
func ParseCommand(data []byte) (*CommandMessage, error) {
	typ, err := messageType(data)
	if err != nil {
		return nil, err
	}
	if typ != "command" {
		return nil, fmt.Errorf("%w: unexpected message type %q", ErrProtocol, typ)
	}

	var cmd CommandMessage
	if err := strictDecode(data, &cmd); err != nil {
		return nil, err
	}
	switch cmd.Name {
	case CmdBargeIn, CmdStopSpeaking, CmdResetHistory:
	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrProtocol, cmd.Name)
	}
	return &cmd, nil
}
