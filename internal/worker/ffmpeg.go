package worker

import (
	"path/filepath"
	"strconv"
)

// ManifestName is the playlist file every worker writes into its output directory.
const ManifestName = "stream.m3u8"

// Profile holds the load-adaptive rate ceilings.
type Profile struct {
	VideoBitrate string
	MaxRate      string
	BufSize      string
	AudioBitrate string
}

var (
	// FullProfile is used when the stream is the only one running.
	FullProfile = Profile{VideoBitrate: "1500k", MaxRate: "2000k", BufSize: "4000k", AudioBitrate: "128k"}
	// ReducedProfile trades quality for headroom once other streams are running.
	ReducedProfile = Profile{VideoBitrate: "1200k", MaxRate: "1600k", BufSize: "3200k", AudioBitrate: "96k"}
)

// ProfileFor picks the profile for a stream started while other streams are already running.
func ProfileFor(others int) Profile {
	if others > 0 {
		return ReducedProfile
	}
	return FullProfile
}

// Options are the fixed compatibility flags shared by every invocation.
type Options struct {
	RTSPTransport string
	// SocketTimeout is the input socket timeout in microseconds, as ffmpeg expects.
	SocketTimeout   int
	UserAgent       string
	ThreadQueueSize int
	AnalyzeDuration int
	ProbeSize       int
	SegmentSeconds  int
	PlaylistSize    int
	LogLevel        string
}

// DefaultOptions favour IP cameras over flaky links: TCP transport, tolerant
// decoding, short probes, a 3s segment window of 8 entries.
func DefaultOptions() Options {
	return Options{
		RTSPTransport:   "tcp",
		SocketTimeout:   30000000,
		UserAgent:       "UniFiVideo",
		ThreadQueueSize: 1024,
		AnalyzeDuration: 1000000,
		ProbeSize:       1000000,
		SegmentSeconds:  3,
		PlaylistSize:    8,
		LogLevel:        "warning",
	}
}

// Invocation describes one worker run.
type Invocation struct {
	// Input is the sanitized source URL.
	Input     string
	OutputDir string
	// Others is the number of streams already running when this one starts.
	Others int
}

// ManifestPath returns where the worker writes its playlist.
func (inv Invocation) ManifestPath() string {
	return filepath.Join(inv.OutputDir, ManifestName)
}

// BuildArgs returns the ffmpeg argument vector. It is deterministic for a given
// invocation and options; nothing in it is ever interpreted by a shell.
func BuildArgs(inv Invocation, opts Options) []string {
	p := ProfileFor(inv.Others)
	return []string{
		"-fflags", "+genpts+discardcorrupt",
		"-err_detect", "ignore_err",
		"-rtsp_transport", opts.RTSPTransport,
		"-timeout", strconv.Itoa(opts.SocketTimeout),
		"-user_agent", opts.UserAgent,
		"-thread_queue_size", strconv.Itoa(opts.ThreadQueueSize),
		"-analyzeduration", strconv.Itoa(opts.AnalyzeDuration),
		"-probesize", strconv.Itoa(opts.ProbeSize),
		"-i", inv.Input,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", strconv.Itoa(opts.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(opts.PlaylistSize),
		"-hls_flags", "delete_segments+independent_segments",
		"-preset", "faster",
		"-tune", "zerolatency",
		"-profile:v", "main",
		"-level", "3.1",
		"-g", "30",
		"-sc_threshold", "0",
		"-b:v", p.VideoBitrate,
		"-maxrate", p.MaxRate,
		"-bufsize", p.BufSize,
		"-b:a", p.AudioBitrate,
		"-avoid_negative_ts", "make_zero",
		"-movflags", "+faststart",
		"-loglevel", opts.LogLevel,
		inv.ManifestPath(),
	}
}
