package mock

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/polyvox-ai/polyvox/pkg/provider/tts"
)

func TestSynthesizeStream_EmitsChunksAndRecordsText(t *testing.T) {
	t.Parallel()

	p := &Provider{
		SynthesizeChunks: [][]byte{{1, 2}, {3, 4}},
	}

	text := make(chan string, 2)
	text <- "Hello"
	text <- " world."
	close(text)

	ch, err := p.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var got []byte
	for chunk := range ch {
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("audio = %v", got)
	}

	if len(p.SynthesizeStreamCalls) != 1 {
		t.Fatalf("calls = %d, want 1", len(p.SynthesizeStreamCalls))
	}
	call := p.SynthesizeStreamCalls[0]
	if call.Voice.ID != "v1" {
		t.Errorf("voice = %+v", call.Voice)
	}
	frags := call.Fragments()
	if len(frags) != 2 || frags[0] != "Hello" || frags[1] != " world." {
		t.Errorf("fragments = %q", frags)
	}
}

func TestSynthesizeStream_Err(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("backend down")
	p := &Provider{SynthesizeErr: wantErr}

	if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.VoiceProfile{}); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if len(p.SynthesizeStreamCalls) != 1 {
		t.Errorf("calls = %d, want 1", len(p.SynthesizeStreamCalls))
	}
}

func TestSampleRate_Default(t *testing.T) {
	t.Parallel()

	p := &Provider{}
	if p.SampleRate() != 24000 {
		t.Errorf("SampleRate = %d, want 24000", p.SampleRate())
	}
	p.Rate = 16000
	if p.SampleRate() != 16000 {
		t.Errorf("SampleRate = %d, want 16000", p.SampleRate())
	}
}
