package mock

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/polyvox-ai/polyvox/pkg/provider/stt"
	"github.com/polyvox-ai/polyvox/pkg/types"
)

func TestSession_InterimEchoesByteLength(t *testing.T) {
	t.Parallel()

	s := NewSession(types.ChannelMic)
	if err := s.SendAudio(make([]byte, 640), stt.FrameMeta{CaptureTs: 1000, Seq: 7}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	tr := <-s.Transcripts()
	if tr.IsFinal || tr.Text != "640" {
		t.Errorf("interim = %+v, want interim '640'", tr)
	}
	if tr.OriginCaptureTs != 1000 || tr.Seq != 7 {
		t.Errorf("meta not propagated: %+v", tr)
	}
}

func TestSession_EndEmitsFixedFinal(t *testing.T) {
	t.Parallel()

	s := NewSession(types.ChannelMic)
	_ = s.SendAudio([]byte{1, 2}, stt.FrameMeta{CaptureTs: 500})
	if err := s.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	<-s.Transcripts() // interim
	final := <-s.Transcripts()
	if !final.IsFinal || final.Text != FinalText {
		t.Errorf("final = %+v, want fixed final", final)
	}

	if _, ok := <-s.Transcripts(); ok {
		t.Error("transcript channel should be closed after End")
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed after End")
	}

	if err := s.SendAudio([]byte{9}, stt.FrameMeta{}); !errors.Is(err, stt.ErrClosed) {
		t.Errorf("SendAudio after End: err = %v, want ErrClosed", err)
	}
}

func TestSession_CloseSkipsFinal(t *testing.T) {
	t.Parallel()

	s := NewSession(types.ChannelFile)
	_ = s.Close()
	_ = s.Close() // idempotent

	if s.CloseCallCount != 2 {
		t.Errorf("CloseCallCount = %d, want 2", s.CloseCallCount)
	}
	if _, ok := <-s.Transcripts(); ok {
		t.Error("no transcripts expected after Close")
	}
}

func TestProvider_Batch(t *testing.T) {
	t.Parallel()

	p := New()
	res, err := p.TranscribeBatch(context.Background(), strings.NewReader("12345"), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("TranscribeBatch: %v", err)
	}
	if !strings.Contains(res.Text, "5 bytes") {
		t.Errorf("Text = %q, want byte count", res.Text)
	}
}
