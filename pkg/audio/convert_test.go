package audio_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/polyvox-ai/polyvox/pkg/audio"
)

func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func TestStereoToMono_Averages(t *testing.T) {
	t.Parallel()

	in := pcm16(100, 200, -100, 100)
	out := audio.StereoToMono(in)
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
	got0 := int16(out[0]) | int16(out[1])<<8
	got1 := int16(out[2]) | int16(out[3])<<8
	if got0 != 150 || got1 != 0 {
		t.Errorf("samples = %d, %d; want 150, 0", got0, got1)
	}
}

func TestResampleMono16_HalvesRate(t *testing.T) {
	t.Parallel()

	in := pcm16(0, 100, 200, 300, 400, 500, 600, 700)
	out := audio.ResampleMono16(in, 32000, 16000)
	if len(out) != len(in)/2 {
		t.Fatalf("len = %d, want %d", len(out), len(in)/2)
	}
	// Every second sample survives at exactly double-ratio downsampling.
	for i := range len(out) / 2 {
		got := int16(out[i*2]) | int16(out[i*2+1])<<8
		want := int16(i * 200)
		if got != want {
			t.Errorf("sample %d = %d, want %d", i, got, want)
		}
	}
}

func TestResampleMono16_NoOpOnEqualRates(t *testing.T) {
	t.Parallel()

	in := pcm16(1, 2, 3)
	out := audio.ResampleMono16(in, 16000, 16000)
	if &out[0] != &in[0] {
		t.Error("equal-rate resample should return the input unchanged")
	}
}

func TestRMS_FullScaleAndSilence(t *testing.T) {
	t.Parallel()

	if got := audio.RMS(make([]byte, 64)); got != 0 {
		t.Errorf("RMS(silence) = %v, want 0", got)
	}
	full := pcm16(32767, -32767, 32767, -32767)
	if got := audio.RMS(full); got < 0.99 || got > 1.0 {
		t.Errorf("RMS(full scale) = %v, want ~1.0", got)
	}
}

func TestEncodeWAV_Header(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 320)
	wav := audio.EncodeWAV(pcm, 16000, 1)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE magic")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("sample rate = %d, want 16000", rate)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); size != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", size, len(pcm))
	}
}

func TestDecodeWAV_RoundTrip(t *testing.T) {
	t.Parallel()

	pcm := pcm16(100, -200, 300, -400)
	wav := audio.EncodeWAV(pcm, 22050, 1)

	got, info, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if info.SampleRate != 22050 || info.Channels != 1 {
		t.Errorf("info = %+v, want 22050 Hz mono", info)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAV_SkipsExtraChunks(t *testing.T) {
	t.Parallel()

	pcm := pcm16(1, 2, 3)
	wav := audio.EncodeWAV(pcm, 16000, 1)

	// Splice a LIST chunk between fmt and data, as ffmpeg output often has.
	list := []byte("LIST\x04\x00\x00\x00INFO")
	spliced := append([]byte{}, wav[:36]...)
	spliced = append(spliced, list...)
	spliced = append(spliced, wav[36:]...)
	binary.LittleEndian.PutUint32(spliced[4:8], uint32(len(spliced)-8))

	got, info, err := audio.DecodeWAV(spliced)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if info.SampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000", info.SampleRate)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	t.Parallel()

	if _, _, err := audio.DecodeWAV([]byte("not a wav")); err == nil {
		t.Error("expected error for garbage input")
	}
	if _, _, err := audio.DecodeWAV(nil); err == nil {
		t.Error("expected error for nil input")
	}
}
