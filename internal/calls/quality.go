package calls

import "campus-realtime/internal/models"

// Score weighs packet loss (40%), bitrate (30%), jitter (15%) and round
// trip time (15%) into a 0-100 score and its quality band.
func Score(r models.QualityReport) (float64, string) {
	var loss float64
	if r.PacketsReceived > 0 {
		loss = r.PacketsLost / (r.PacketsLost + r.PacketsReceived) * 100
	}
	var bitrate float64
	if r.TimestampMillis > 0 {
		bitrate = r.BytesReceived * 8 / (r.TimestampMillis / 1000)
	}

	lossScore := max(0, 100-loss*5)
	bitrateScore := min(100, bitrate/1_000_000*20)
	jitterScore := max(0, 100-r.Jitter*10)
	rttScore := max(0, 100-r.RoundTripTime*2)

	total := lossScore*0.4 + bitrateScore*0.3 + jitterScore*0.15 + rttScore*0.15
	switch {
	case total >= 80:
		return total, "excellent"
	case total >= 60:
		return total, "good"
	case total >= 40:
		return total, "fair"
	default:
		return total, "poor"
	}
}

// VideoConstraints are the ideal capture settings for a quality band.
type VideoConstraints struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	FrameRate int `json:"frame_rate"`
}

type AudioConstraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
	SampleRate       int  `json:"sample_rate"`
	SampleSize       int  `json:"sample_size"`
}

// MediaConstraints is what a client should capture at after a quality
// report. Video is nil for audio calls.
type MediaConstraints struct {
	Video *VideoConstraints `json:"video,omitempty"`
	Audio AudioConstraints  `json:"audio"`
}

// ConstraintsFor recommends capture settings for band. Unknown bands get
// the fair settings.
func ConstraintsFor(band string, callType models.CallType) MediaConstraints {
	audio := AudioConstraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true, SampleRate: 44100, SampleSize: 16}
	video := VideoConstraints{Width: 854, Height: 480, FrameRate: 24}
	switch band {
	case "excellent":
		audio.SampleRate = 48000
		video = VideoConstraints{Width: 1920, Height: 1080, FrameRate: 30}
	case "good":
		audio.SampleRate = 48000
		video = VideoConstraints{Width: 1280, Height: 720, FrameRate: 30}
	case "poor":
		video = VideoConstraints{Width: 640, Height: 360, FrameRate: 20}
	}
	out := MediaConstraints{Audio: audio}
	if callType == models.CallVideo {
		out.Video = &video
	}
	return out
}
