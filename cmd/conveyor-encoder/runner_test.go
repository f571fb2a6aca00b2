package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conveyor/internal/dispatch"
	"conveyor/internal/logging"
	"conveyor/internal/testsupport"
)

func TestOutputPath(t *testing.T) {
	cases := []struct {
		name    string
		source  string
		profile string
		want    string
	}{
		{"default profile", "/media/in/Show.S01E01.ts", "default", "/out/Show.S01E01.default.mkv"},
		{"empty profile falls back", "/media/in/movie.mp4", "", "/out/movie.default.mkv"},
		{"profile in name", "/media/in/clip.mkv", "quality", "/out/clip.quality.mkv"},
		{"no extension", "/media/in/raw", "fast", "/out/raw.fast.mkv"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := outputPath("/out", tc.source, tc.profile)
			if got != tc.want {
				t.Fatalf("outputPath(%q, %q) = %q, want %q", tc.source, tc.profile, got, tc.want)
			}
		})
	}
}

func TestParseProbeDuration(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{"60.042\n", 60.042},
		{" 3600 ", 3600},
		{"N/A\n", 0},
		{"-3", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := parseProbeDuration(tc.raw); got != tc.want {
			t.Fatalf("parseProbeDuration(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestProfileArgsFallsBack(t *testing.T) {
	if got := profileArgs("quality"); got[1] != "libx265" {
		t.Fatalf("quality profile args = %v", got)
	}
	unknown := profileArgs("no-such-profile")
	def := profileArgs("default")
	if len(unknown) != len(def) || unknown[1] != def[1] {
		t.Fatalf("unknown profile should fall back to default, got %v", unknown)
	}
}

func TestProgressStateApply(t *testing.T) {
	state := progressState{duration: 120}

	for _, line := range []string{"frame=500", "out_time_us=30000000", "speed=2.5x"} {
		if _, ok := state.apply(line); ok {
			t.Fatalf("line %q should not complete a block", line)
		}
	}

	update, ok := state.apply("progress=continue")
	if !ok {
		t.Fatal("progress=continue should complete a block")
	}
	if update.percent != 25 {
		t.Fatalf("percent = %v, want 25", update.percent)
	}
	if update.message != "2.5x" {
		t.Fatalf("message = %q, want speed", update.message)
	}

	// out_time_ms carries microseconds, same as out_time_us.
	state.apply("out_time_ms=119990000")
	update, _ = state.apply("progress=end")
	if update.percent != 99.9 {
		t.Fatalf("near-complete percent = %v, want capped at 99.9", update.percent)
	}
}

func TestProgressStateUnknownDuration(t *testing.T) {
	state := progressState{}
	state.apply("out_time_us=30000000")
	update, ok := state.apply("progress=continue")
	if !ok || update.percent != 0 {
		t.Fatalf("unknown duration should report 0%%, got %v ok=%v", update.percent, ok)
	}
}

func TestLastLines(t *testing.T) {
	got := lastLines("one\ntwo\nthree\nfour\n", 2)
	if got != "three | four" {
		t.Fatalf("lastLines = %q", got)
	}
	if lastLines("   \n", 3) != "" {
		t.Fatal("blank input should produce empty detail")
	}
}

func writeStub(t *testing.T, path, script string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", path, err)
	}
}

func TestFFmpegRunnerWithStub(t *testing.T) {
	dir := t.TempDir()

	// The stub emits one progress block and creates its final argument, the
	// way ffmpeg writes the output file.
	ffmpeg := filepath.Join(dir, "ffmpeg")
	writeStub(t, ffmpeg, "#!/bin/sh\n"+
		"printf 'out_time_us=30000000\\nspeed=2.5x\\nprogress=end\\n'\n"+
		"for last; do :; done\n"+
		"printf 'encoded' > \"$last\"\n")

	ffprobe := filepath.Join(dir, "ffprobe")
	writeStub(t, ffprobe, "#!/bin/sh\necho 60.0\n")

	source := filepath.Join(dir, "episode.ts")
	testsupport.WriteFile(t, source, 64)
	outDir := filepath.Join(dir, "out")

	runner := newFFmpegRunner(ffmpeg, ffprobe, logging.NewNop())
	var percents []float64
	result, err := runner.Run(context.Background(), dispatch.JobAssignPayload{
		JobID:      "job-1",
		ItemID:     7,
		SourcePath: source,
		OutputDir:  outDir,
		Profile:    "default",
	}, func(percent float64, message string) {
		percents = append(percents, percent)
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantPath := filepath.Join(outDir, "episode.default.mkv")
	if result.OutputPath != wantPath {
		t.Fatalf("OutputPath = %q, want %q", result.OutputPath, wantPath)
	}
	if result.OutputSize != int64(len("encoded")) {
		t.Fatalf("OutputSize = %d, want %d", result.OutputSize, len("encoded"))
	}
	if len(percents) != 2 || percents[0] != 50 || percents[1] != 100 {
		t.Fatalf("progress reports = %v, want [50 100]", percents)
	}
}

func TestFFmpegRunnerReportsFailureDetail(t *testing.T) {
	dir := t.TempDir()

	ffmpeg := filepath.Join(dir, "ffmpeg")
	writeStub(t, ffmpeg, "#!/bin/sh\n"+
		"echo 'Error while decoding stream #0:0: Invalid data found' >&2\n"+
		"exit 1\n")
	ffprobe := filepath.Join(dir, "ffprobe")
	writeStub(t, ffprobe, "#!/bin/sh\necho 60.0\n")

	source := filepath.Join(dir, "broken.ts")
	testsupport.WriteFile(t, source, 16)

	runner := newFFmpegRunner(ffmpeg, ffprobe, logging.NewNop())
	_, err := runner.Run(context.Background(), dispatch.JobAssignPayload{
		JobID:      "job-2",
		SourcePath: source,
		OutputDir:  filepath.Join(dir, "out"),
	}, func(float64, string) {})
	if err == nil {
		t.Fatal("Run should fail when ffmpeg exits nonzero")
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Fatalf("error should carry ffmpeg stderr detail, got %v", err)
	}
}

func TestFFmpegRunnerMissingSource(t *testing.T) {
	runner := newFFmpegRunner("ffmpeg", "ffprobe", logging.NewNop())
	_, err := runner.Run(context.Background(), dispatch.JobAssignPayload{
		JobID:      "job-3",
		SourcePath: filepath.Join(t.TempDir(), "absent.ts"),
		OutputDir:  t.TempDir(),
	}, func(float64, string) {})
	if err == nil {
		t.Fatal("Run should fail for a missing source")
	}
}
