package testsupport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"mediaforge/internal/config"
	"mediaforge/internal/media/ffprobe"
)

// FakeRunner stands in for ffmpeg. It writes OutputSize bytes to the last
// argument (the output path) unless a failure mode is configured.
type FakeRunner struct {
	OutputSize int64
	// FailWith makes every run exit with this error after emitting Stderr.
	FailWith error
	Stderr   []string
	// Block makes runs wait until their context is done.
	Block bool
	// FailOutputs fails runs whose output file name contains any entry.
	FailOutputs []string

	mu    sync.Mutex
	calls [][]string
}

// Run implements transform.Runner.
func (r *FakeRunner) Run(ctx context.Context, binary string, args []string, onStderr func(string)) error {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{binary}, args...))
	r.mu.Unlock()

	for _, line := range r.Stderr {
		if onStderr != nil {
			onStderr(line)
		}
	}
	if r.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	if len(args) == 0 {
		return errors.New("no arguments")
	}
	out := args[len(args)-1]
	for _, marker := range r.FailOutputs {
		if strings.Contains(filepath.Base(out), marker) {
			return fmt.Errorf("exit status 1")
		}
	}
	if r.FailWith != nil {
		return r.FailWith
	}
	size := r.OutputSize
	if size <= 0 {
		size = 2048
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	return os.WriteFile(out, make([]byte, size), 0o644)
}

// Calls returns the argument vectors seen so far, binary first.
func (r *FakeRunner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// FakeProber reports a single video stream. Files named after a configured
// quality tag report that quality's dimensions; anything else is 1920x1080.
// Empty or missing files fail like ffprobe would.
func FakeProber(cfg *config.Config, durationSeconds float64) func(context.Context, string) (ffprobe.Result, error) {
	return func(_ context.Context, path string) (ffprobe.Result, error) {
		info, err := os.Stat(path)
		if err != nil {
			return ffprobe.Result{}, err
		}
		if info.Size() == 0 {
			return ffprobe.Result{}, errors.New("invalid data found when processing input")
		}
		width, height := 1920, 1080
		tag := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if q, ok := cfg.Qualities[tag]; ok {
			width, height = q.Width, q.Height
		}
		report := fmt.Sprintf(`{"streams":[{"index":0,"codec_type":"video","codec_name":"h264","width":%d,"height":%d,"r_frame_rate":"30/1"},{"index":1,"codec_type":"audio","codec_name":"aac"}],"format":{"filename":%q,"duration":"%.3f","size":"%d","bit_rate":"2000000"}}`,
			width, height, path, durationSeconds, info.Size())
		return ffprobe.Parse([]byte(report))
	}
}
