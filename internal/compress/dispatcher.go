package compress

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sarpel/audio-receiver-xiao/internal/config"
	"github.com/sarpel/audio-receiver-xiao/internal/metrics"
	"github.com/sarpel/audio-receiver-xiao/internal/notify"
)

// Outcome is the terminal state of a compression job.
type Outcome string

const (
	// OutcomeSucceeded means the encoder produced the compressed artifact.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed means the encoder failed; the source file is left untouched.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkippedMissing means the source file was gone when the job ran.
	OutcomeSkippedMissing Outcome = "skipped_missing"
	// OutcomeSkippedTooSmall means the source was below the minimum plausible
	// size of a complete segment, typically truncated by early disconnect.
	OutcomeSkippedTooSmall Outcome = "skipped_too_small"
)

// Result describes one finished compression job.
type Result struct {
	Outcome         Outcome
	SourcePath      string
	OutputPath      string
	OriginalBytes   int64
	CompressedBytes int64
	Elapsed         time.Duration
	Err             error
}

// Dispatcher schedules deferred compression of finished segments. Each
// scheduled path becomes one job goroutine that waits out the configured
// delay, then competes for a semaphore slot bounding concurrent encoder
// subprocesses. Jobs share nothing with ingestion except the filesystem.
type Dispatcher struct {
	cfg            config.CompressionConfig
	logger         *slog.Logger
	metrics        *metrics.Metrics
	notifier       *notify.Publisher
	minSourceBytes int64
	enabled        bool

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. segmentTargetBytes is the payload size
// of a nominal full segment; the skip threshold is the configured fraction
// of it.
func NewDispatcher(cfg config.CompressionConfig, segmentTargetBytes int64, logger *slog.Logger, m *metrics.Metrics, notifier *notify.Publisher) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		cfg:            cfg,
		logger:         logger,
		metrics:        m,
		notifier:       notifier,
		minSourceBytes: int64(cfg.MinCompleteRatio * float64(segmentTargetBytes)),
		enabled:        cfg.Enabled,
		sem:            semaphore.NewWeighted(int64(max(cfg.MaxConcurrent, 1))),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// VerifyEncoder probes the configured encoder binary. A failed probe disables
// compression for the lifetime of the process but is not fatal: capturing
// audio takes priority over compressing it. Must be called before the first
// Schedule.
func (d *Dispatcher) VerifyEncoder(ctx context.Context) {
	if !d.enabled {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := exec.CommandContext(probeCtx, d.cfg.EncoderPath, "-version").Run(); err != nil {
		d.logger.Warn("Encoder unavailable, compression disabled",
			slog.String("encoder_path", d.cfg.EncoderPath),
			slog.String("error", err.Error()),
		)
		d.enabled = false
		return
	}

	d.logger.Info("Encoder verified",
		slog.String("encoder_path", d.cfg.EncoderPath),
		slog.String("format", d.cfg.Format),
		slog.Duration("delay", d.cfg.GetDelay()),
		slog.Int64("min_source_bytes", d.minSourceBytes),
		slog.Bool("delete_source", d.cfg.DeleteSource),
	)
}

// Enabled reports whether jobs will actually be scheduled.
func (d *Dispatcher) Enabled() bool {
	return d.enabled
}

// Schedule enqueues a deferred compression job for a closed segment file.
// It never blocks the caller; ingestion hands off the path and moves on.
func (d *Dispatcher) Schedule(path string) {
	if !d.enabled {
		return
	}

	d.logger.Info("Compression scheduled",
		slog.String("path", path),
		slog.Duration("delay", d.cfg.GetDelay()),
	)

	d.wg.Add(1)
	go d.run(path)
}

// Stop cancels pending delays and waits for running jobs to finish, bounded
// by ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("compression jobs still running at shutdown: %w", ctx.Err())
	}
}

// run executes one job: wait out the delay, take a worker slot, process.
func (d *Dispatcher) run(path string) {
	defer d.wg.Done()

	// The delay avoids racing the filesystem right after close and keeps the
	// encoder from competing with ingestion I/O at the rollover moment.
	select {
	case <-time.After(d.cfg.GetDelay()):
	case <-d.ctx.Done():
		d.logger.Debug("Compression job abandoned at shutdown", slog.String("path", path))
		return
	}

	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		d.logger.Debug("Compression job abandoned at shutdown", slog.String("path", path))
		return
	}
	defer d.sem.Release(1)

	result := d.process(path)
	d.report(result)
}

// process runs one source path through the full decision ladder: missing,
// too small, encode, verify output. It is synchronous and free of dispatcher
// state besides configuration, which keeps it directly testable.
func (d *Dispatcher) process(path string) Result {
	result := Result{SourcePath: path}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			result.Outcome = OutcomeSkippedMissing
			return result
		}
		result.Outcome = OutcomeFailed
		result.Err = fmt.Errorf("failed to stat source %s: %w", path, err)
		return result
	}

	result.OriginalBytes = info.Size()

	// Actual on-disk size, not the declared header size: a truncated segment
	// still carries a full-size header.
	if info.Size() < d.minSourceBytes {
		result.Outcome = OutcomeSkippedTooSmall
		return result
	}

	outputPath := d.outputPath(path)
	result.OutputPath = outputPath

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.GetEncoderTimeout())
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.cfg.EncoderPath, d.encoderArgs(path, outputPath)...)
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	result.Elapsed = time.Since(start)

	if err != nil {
		// Leave the source alone, but never leave a partial artifact behind.
		if removeErr := os.Remove(outputPath); removeErr != nil && !os.IsNotExist(removeErr) {
			d.logger.Warn("Failed to remove partial compression output",
				slog.String("output_path", outputPath),
				slog.String("error", removeErr.Error()),
			)
		}

		result.Outcome = OutcomeFailed
		if ctx.Err() == context.DeadlineExceeded {
			result.Err = fmt.Errorf("encoder timed out after %s for %s", d.cfg.GetEncoderTimeout(), path)
		} else {
			result.Err = fmt.Errorf("encoder failed for %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
		}
		return result
	}

	outInfo, err := os.Stat(outputPath)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = fmt.Errorf("encoder exited cleanly but produced no output %s: %w", outputPath, err)
		return result
	}

	result.CompressedBytes = outInfo.Size()
	result.Outcome = OutcomeSucceeded

	if d.cfg.DeleteSource {
		if err := os.Remove(path); err != nil {
			// Deletion failure does not fail the job; the artifact exists.
			d.logger.Error("Failed to delete source after compression",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}

	return result
}

// report logs the result, updates metrics, and publishes the lifecycle event.
func (d *Dispatcher) report(result Result) {
	d.metrics.RecordCompressionJob(string(result.Outcome))

	switch result.Outcome {
	case OutcomeSucceeded:
		reduction := float64(0)
		if result.OriginalBytes > 0 {
			reduction = float64(result.OriginalBytes-result.CompressedBytes) / float64(result.OriginalBytes) * 100
		}

		d.metrics.RecordCompressionSuccess(result.Elapsed.Seconds(), result.OriginalBytes, result.CompressedBytes)
		d.logger.Info("Compression complete",
			slog.String("output_path", result.OutputPath),
			slog.Int64("original_bytes", result.OriginalBytes),
			slog.Int64("compressed_bytes", result.CompressedBytes),
			slog.String("reduction", strconv.FormatFloat(reduction, 'f', 1, 64)+"%"),
			slog.Duration("elapsed", result.Elapsed),
		)

	case OutcomeSkippedMissing:
		d.logger.Warn("Compression skipped, source file no longer exists",
			slog.String("path", result.SourcePath),
		)

	case OutcomeSkippedTooSmall:
		d.logger.Info("Compression skipped, partial segment below threshold",
			slog.String("path", result.SourcePath),
			slog.Int64("size", result.OriginalBytes),
			slog.Int64("min_size", d.minSourceBytes),
		)

	case OutcomeFailed:
		d.logger.Error("Compression failed",
			slog.String("path", result.SourcePath),
			slog.String("error", result.Err.Error()),
		)
	}

	d.notifier.CompressionFinished(notify.CompressionEvent{
		SourcePath:      result.SourcePath,
		OutputPath:      result.OutputPath,
		Outcome:         string(result.Outcome),
		OriginalBytes:   result.OriginalBytes,
		CompressedBytes: result.CompressedBytes,
		ElapsedSeconds:  result.Elapsed.Seconds(),
		FinishedAt:      time.Now(),
	})
}

// outputPath swaps the source extension for the configured target format.
func (d *Dispatcher) outputPath(src string) string {
	return strings.TrimSuffix(src, filepath.Ext(src)) + "." + d.cfg.Format
}

// encoderArgs builds the ffmpeg argument list for the configured format.
// The argument sets mirror the archival profiles the sender deployment uses:
// FLAC for lossless archival, Opus VoIP-tuned for speech.
func (d *Dispatcher) encoderArgs(src, dst string) []string {
	switch d.cfg.Format {
	case "opus":
		return []string{
			"-i", src,
			"-y",
			"-c:a", "libopus",
			"-b:a", strconv.Itoa(d.cfg.OpusBitrate) + "k",
			"-vbr", "on",
			"-compression_level", "10",
			"-application", "voip",
			"-loglevel", "error",
			dst,
		}
	default: // "flac", enforced by config validation
		return []string{
			"-i", src,
			"-y",
			"-compression_level", strconv.Itoa(d.cfg.FLACLevel),
			"-loglevel", "error",
			dst,
		}
	}
}
