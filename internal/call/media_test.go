package call

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestSampleSourceTracks(t *testing.T) {
	audioOnly, err := SampleSource{}.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	tracks := audioOnly.Tracks()
	if len(tracks) != 1 || tracks[0].Kind() != webrtc.RTPCodecTypeAudio {
		t.Fatalf("audio-only tracks = %v", tracks)
	}
	if audioOnly.VideoEnabled() {
		t.Fatal("video reported enabled without a video track")
	}

	full, err := SampleSource{}.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	tracks = full.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("track count = %d, want 2", len(tracks))
	}
	// Audio attaches first.
	if tracks[0].Kind() != webrtc.RTPCodecTypeAudio || tracks[1].Kind() != webrtc.RTPCodecTypeVideo {
		t.Fatalf("track order = [%v %v]", tracks[0].Kind(), tracks[1].Kind())
	}
	if !full.AudioEnabled() || !full.VideoEnabled() {
		t.Fatal("tracks not enabled by default")
	}
}

func TestLocalMediaStopIdempotent(t *testing.T) {
	var released int
	m := NewLocalMedia(nil, nil, func() { released++ })
	m.Stop()
	m.Stop()
	if released != 1 {
		t.Fatalf("release count = %d, want 1", released)
	}
}
