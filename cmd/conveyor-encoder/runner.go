package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"conveyor/internal/dispatch"
	"conveyor/internal/logging"
)

// encodeProfiles maps profile names to ffmpeg video settings. Audio and
// subtitle streams are copied; the container is always Matroska.
var encodeProfiles = map[string][]string{
	"default": {"-c:v", "libx265", "-preset", "medium", "-crf", "22"},
	"fast":    {"-c:v", "libx264", "-preset", "veryfast", "-crf", "23"},
	"quality": {"-c:v", "libx265", "-preset", "slow", "-crf", "18"},
}

const progressReportInterval = time.Second

// ffmpegRunner executes transcode jobs with a local ffmpeg install. It
// implements dispatch.Runner.
type ffmpegRunner struct {
	ffmpeg  string
	ffprobe string
	logger  *slog.Logger
}

func newFFmpegRunner(ffmpeg, ffprobe string, logger *slog.Logger) *ffmpegRunner {
	return &ffmpegRunner{ffmpeg: ffmpeg, ffprobe: ffprobe, logger: logger}
}

func (r *ffmpegRunner) Run(ctx context.Context, job dispatch.JobAssignPayload, progress func(percent float64, message string)) (dispatch.JobCompletedPayload, error) {
	if job.SourcePath == "" {
		return dispatch.JobCompletedPayload{}, fmt.Errorf("job %s has no source path", job.JobID)
	}
	if _, err := os.Stat(job.SourcePath); err != nil {
		return dispatch.JobCompletedPayload{}, fmt.Errorf("source: %w", err)
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return dispatch.JobCompletedPayload{}, fmt.Errorf("create output directory: %w", err)
	}

	output := outputPath(job.OutputDir, job.SourcePath, job.Profile)
	duration := r.probeDuration(ctx, job.SourcePath)

	args := []string{"-hide_banner", "-nostdin", "-y", "-i", job.SourcePath}
	args = append(args, profileArgs(job.Profile)...)
	args = append(args, "-c:a", "copy", "-c:s", "copy", "-loglevel", "error", "-progress", "pipe:1", output)

	cmd := exec.CommandContext(ctx, r.ffmpeg, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return dispatch.JobCompletedPayload{}, fmt.Errorf("attach ffmpeg stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	r.logger.Info("transcode starting",
		logging.String(logging.FieldJobID, job.JobID),
		logging.String("source", job.SourcePath),
		logging.String("output", output),
		logging.String("profile", job.Profile))

	if err := cmd.Start(); err != nil {
		return dispatch.JobCompletedPayload{}, fmt.Errorf("start ffmpeg: %w", err)
	}

	state := progressState{duration: duration}
	var lastReport time.Time
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		update, ok := state.apply(scanner.Text())
		if !ok {
			continue
		}
		if time.Since(lastReport) < progressReportInterval {
			continue
		}
		progress(update.percent, update.message)
		lastReport = time.Now()
	}

	if err := cmd.Wait(); err != nil {
		_ = os.Remove(output)
		if ctx.Err() != nil {
			return dispatch.JobCompletedPayload{}, ctx.Err()
		}
		detail := lastLines(stderr.String(), 3)
		if detail == "" {
			return dispatch.JobCompletedPayload{}, fmt.Errorf("ffmpeg: %w", err)
		}
		return dispatch.JobCompletedPayload{}, fmt.Errorf("ffmpeg: %w: %s", err, detail)
	}

	info, err := os.Stat(output)
	if err != nil {
		return dispatch.JobCompletedPayload{}, fmt.Errorf("ffmpeg exited cleanly but produced no output: %w", err)
	}
	progress(100, "finished")

	return dispatch.JobCompletedPayload{OutputPath: output, OutputSize: info.Size()}, nil
}

// probeDuration asks ffprobe for the source duration in seconds. A zero
// return means the duration is unknown and percentages cannot be computed.
func (r *ffmpegRunner) probeDuration(ctx context.Context, path string) float64 {
	out, err := exec.CommandContext(ctx, r.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path).Output()
	if err != nil {
		r.logger.Warn("ffprobe duration unavailable",
			logging.String("source", path),
			logging.Error(err))
		return 0
	}
	return parseProbeDuration(string(out))
}

func parseProbeDuration(raw string) float64 {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return seconds
}

func profileArgs(profile string) []string {
	if args, ok := encodeProfiles[profile]; ok {
		return args
	}
	return encodeProfiles["default"]
}

// outputPath names the artifact after the source stem and profile so
// repeated runs for the same item overwrite rather than accumulate.
func outputPath(dir, source, profile string) string {
	base := filepath.Base(source)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if profile == "" {
		profile = "default"
	}
	return filepath.Join(dir, stem+"."+profile+".mkv")
}

type progressUpdate struct {
	percent float64
	message string
}

// progressState accumulates ffmpeg -progress key=value lines. ffmpeg emits
// a block of keys followed by a progress=continue (or progress=end) line;
// an update is reported once per completed block.
type progressState struct {
	duration float64
	outTime  float64
	speed    string
}

func (p *progressState) apply(line string) (progressUpdate, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return progressUpdate{}, false
	}
	switch key {
	case "out_time_us", "out_time_ms":
		// out_time_ms is microseconds despite the name.
		if us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && us >= 0 {
			p.outTime = float64(us) / 1e6
		}
	case "speed":
		p.speed = strings.TrimSpace(value)
	case "progress":
		return progressUpdate{percent: p.percent(), message: p.speed}, true
	}
	return progressUpdate{}, false
}

// percent caps at 99.9 so only a clean exit reports completion.
func (p *progressState) percent() float64 {
	if p.duration <= 0 {
		return 0
	}
	pct := p.outTime / p.duration * 100
	if pct > 99.9 {
		return 99.9
	}
	if pct < 0 {
		return 0
	}
	return pct
}

func lastLines(s string, n int) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.Join(lines, " | ")
}
