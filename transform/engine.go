// Package transform implements the dataset transformation engine: delete,
// merge, split and version conversion. Every operation builds a complete new
// dataset in a staging directory and publishes it with a single atomic
// rename, so readers never observe a partially rewritten dataset and a
// failure at any point before the publish leaves nothing visible behind.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/WilbertYuan/lerobot-piper3/config"
	"github.com/WilbertYuan/lerobot-piper3/validate"
)

// Options configures a transformation Engine.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	// Tracer is optional; when set, each operation runs under a span.
	Tracer trace.Tracer
	// StatsOracle makes the postcondition check rescan all frame data and
	// compare it against the finalized stats record. Expensive.
	StatsOracle bool
}

// Engine executes transformations. It holds no cross-invocation state;
// invocations targeting the same dataset in-place must be externally
// serialized.
type Engine struct {
	cfg         *config.Config
	logger      *slog.Logger
	tracer      trace.Tracer
	statsOracle bool
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		cfg:         opts.Config,
		logger:      opts.Logger,
		tracer:      opts.Tracer,
		statsOracle: opts.StatsOracle,
	}
}

// TargetOptions selects where an operation publishes its output.
type TargetOptions struct {
	// TargetRoot is the output dataset path. Empty means in-place: the
	// result replaces the source under its own path.
	TargetRoot string
}

// Summary reports what an operation did, for the caller to render.
type Summary struct {
	EpisodesIn  uint64
	EpisodesOut uint64
	FramesIn    uint64
	FramesOut   uint64
	// Outputs lists the published dataset roots, in deterministic order.
	Outputs []string
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, nil
	}
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// stagingPath returns the staging directory for a target path and removes
// any leftover from a previously aborted run.
func (e *Engine) stagingPath(target string) (string, error) {
	staging := target + e.cfg.Transform.StagingSuffix
	if err := os.RemoveAll(staging); err != nil {
		return "", fmt.Errorf("failed to clear stale staging dir %s: %w", staging, err)
	}
	return staging, nil
}

// publish makes the staged dataset visible under target with rename-style
// atomicity. When inPlace is set, target is the source path itself: the old
// copy is moved aside first and removed only after the swap succeeds.
func (e *Engine) publish(staging, target string, inPlace bool) error {
	if inPlace {
		old := target + ".old"
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("failed to clear stale backup %s: %w", old, err)
		}
		if err := os.Rename(target, old); err != nil {
			return fmt.Errorf("failed to move source aside for in-place publish: %w", err)
		}
		if err := os.Rename(staging, target); err != nil {
			// Restore the source so the caller still has a valid dataset.
			if restoreErr := os.Rename(old, target); restoreErr != nil {
				return fmt.Errorf("failed to publish in-place (%v) and failed to restore source: %w", err, restoreErr)
			}
			return fmt.Errorf("failed to publish in-place: %w", err)
		}
		if err := os.RemoveAll(old); err != nil {
			e.logger.Warn("failed to remove pre-publish backup", slog.String("path", old), slog.Any("error", err))
		}
		return nil
	}

	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("target %s already exists", target)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat target %s: %w", target, err)
	}
	if err := os.Rename(staging, target); err != nil {
		return fmt.Errorf("failed to publish target: %w", err)
	}
	return nil
}

// discard removes a staging directory after a failure. Best effort; the
// staging dir holds no info record, so it can never be mistaken for a
// usable dataset even if removal fails.
func (e *Engine) discard(staging string) {
	if err := os.RemoveAll(staging); err != nil {
		e.logger.Warn("failed to remove staging dir", slog.String("path", staging), slog.Any("error", err))
	}
}

func (e *Engine) postconditionOptions() validate.Options {
	return validate.Options{CheckStatsOracle: e.statsOracle}
}
