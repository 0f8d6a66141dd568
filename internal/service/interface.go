package service

import (
	"context"

	"github.com/weiawesome/bilimix/internal/mixer"
)

// MixOptions are the caller-tunable knobs for one mix session.
type MixOptions struct {
	OutputKind     string // mixer.OutputHLS or mixer.OutputRTMP
	RTMPTarget     string // output URL when OutputKind is rtmp
	LowLatency     bool
	TranscodeVideo bool
	SessData       string
}

// Resolved reports what a reference turned into.
type Resolved struct {
	URL    string
	RoomID int64 // 0 when the reference was already a direct URL
}

// Status is the control-surface view of the running session.
type Status struct {
	MixerRunning bool                `json:"mixer_running"`
	Rooms        []int64             `json:"rooms"`
	Endpoints    int                 `json:"endpoints"`
	Output       mixer.SegmentStatus `json:"output"`
}

// MixService is the control surface over resolver, supervisor, collector
// and hub.
type MixService interface {
	// Resolve turns a room reference into a playable URL; direct http(s)
	// URLs pass through untouched.
	Resolve(ctx context.Context, source, sessdata string) (Resolved, error)

	// StartMix resolves both references and replaces the active encoder
	// session with a new one.
	StartMix(ctx context.Context, videoRef, audioRef string, opts MixOptions) (video, audio Resolved, err error)

	// StartDanmaku resolves the room references and replaces the active
	// collector, (re)starting the broadcast drain.
	StartDanmaku(ctx context.Context, rooms []string, colors map[string]string, sessdata string) ([]int64, error)

	// StopAll stops mixer, collector and drain.
	StopAll(ctx context.Context)

	Status() Status
}
