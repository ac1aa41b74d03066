// Package tts defines the contract for text-to-speech providers that turn the
// voice agent's streamed reply text into raw PCM audio.
//
// SynthesizeStream is channel-to-channel so that synthesis can begin while the
// language model is still generating: the turn machine feeds text fragments in
// as they arrive and plays audio out as it is synthesised. Cancelling the
// context aborts synthesis mid-utterance, which is how barge-in cuts the
// assistant off.
package tts

import "context"

// VoiceProfile identifies a synthesis voice on a specific provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string
	// Name is a human-readable display name.
	Name string
	// Provider names the backing TTS provider ("openai", "elevenlabs", "coqui").
	Provider string
	// SpeedFactor adjusts speaking rate. 1.0 (or 0, meaning unset) is normal speed.
	SpeedFactor float64
	// Metadata carries provider-specific attributes (category, labels, model).
	Metadata map[string]string
}

// Provider is implemented by every TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and returns
	// a channel of raw 16-bit little-endian mono PCM chunks at SampleRate.
	//
	// The audio channel is closed once all text received before the text channel
	// closed has been synthesised, or when ctx is cancelled. The caller must
	// drain the audio channel.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices available on this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	// SampleRate reports the sample rate of the PCM emitted by SynthesizeStream.
	SampleRate() int
}
