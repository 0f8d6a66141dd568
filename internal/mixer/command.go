package mixer

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Output kinds for a mix.
const (
	OutputHLS  = "hls"
	OutputRTMP = "rtmp"
)

// Config is an immutable snapshot of one encoder invocation. A new mix
// always gets a new Config; a running supervisor is never reconfigured in
// place.
type Config struct {
	VideoURL       string
	AudioURL       string
	Output         string
	OutputKind     string
	LowLatency     bool
	TranscodeVideo bool
	AudioBitrate   string
	HLSTime        int
	HLSListSize    int
	DeleteSegments bool
}

// FindFFmpeg locates the ffmpeg executable. An explicit path wins, then
// the FFMPEG_PATH environment variable, then PATH lookup.
func FindFFmpeg(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
	}
	if env := os.Getenv("FFMPEG_PATH"); env != "" {
		if _, err := os.Stat(env); err == nil {
			return env, nil
		}
	}
	found, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", &LaunchError{Err: fmt.Errorf("ffmpeg not found in PATH and FFMPEG_PATH is not set: %w", err)}
	}
	return found, nil
}

// buildArgs assembles the ffmpeg argument list for a two-input mux:
// video from input 0, audio from input 1.
func (c Config) buildArgs() ([]string, error) {
	args := []string{"-loglevel", "info"}

	inputCommon := []string{
		"-rw_timeout", "15000000",
		"-thread_queue_size", "1024",
	}
	if c.LowLatency {
		inputCommon = append(inputCommon, "-fflags", "nobuffer")
	}

	// The live CDN rejects requests without browser-like headers; reconnect
	// flags keep a flaky HLS input alive.
	headerOpts := []string{
		"-user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
		"-headers", "Referer: https://live.bilibili.com/\r\nOrigin: https://live.bilibili.com\r\n",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_on_network_error", "1",
		"-http_persistent", "1",
	}

	args = append(args, inputCommon...)
	args = append(args, headerOpts...)
	args = append(args, "-i", c.VideoURL)
	args = append(args, inputCommon...)
	args = append(args, headerOpts...)
	args = append(args, "-i", c.AudioURL)

	args = append(args, "-map", "0:v:0", "-map", "1:a:0")

	if c.TranscodeVideo {
		args = append(args,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-tune", "zerolatency",
			"-pix_fmt", "yuv420p",
			"-g", "48",
			"-keyint_min", "48",
			"-sc_threshold", "0",
			"-x264-params", "keyint=48:min-keyint=48:scenecut=0",
		)
	} else {
		args = append(args, "-c:v", "copy")
	}

	bitrate := c.AudioBitrate
	if bitrate == "" {
		bitrate = "160k"
	}
	args = append(args,
		"-c:a", "aac",
		"-b:a", bitrate,
		"-ar", "48000",
		"-ac", "2",
	)

	if c.LowLatency {
		args = append(args, "-flush_packets", "1", "-max_delay", "0")
	}

	switch c.OutputKind {
	case OutputHLS:
		hlsFlags := "independent_segments"
		if c.DeleteSegments {
			hlsFlags += "+delete_segments"
		}
		if c.LowLatency {
			args = append(args, "-use_wallclock_as_timestamps", "1")
		}
		args = append(args,
			"-f", "hls",
			"-hls_time", fmt.Sprintf("%d", c.HLSTime),
			"-hls_list_size", fmt.Sprintf("%d", c.HLSListSize),
			"-hls_flags", hlsFlags,
			c.Output,
		)
	case OutputRTMP:
		args = append(args, "-f", "flv", c.Output)
	default:
		return nil, fmt.Errorf("unsupported output kind: %q", c.OutputKind)
	}

	return args, nil
}

// logDir is where the supervisor writes its append-only ffmpeg log.
func (c Config) logDir() string {
	if c.OutputKind == OutputHLS {
		return filepath.Dir(c.Output)
	}
	return "out"
}
