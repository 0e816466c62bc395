package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"content-pipeline/internal/queue"
	"content-pipeline/internal/ratelimit"
	"content-pipeline/internal/runner"
	"content-pipeline/internal/telemetry"
	"content-pipeline/internal/transform"
	"content-pipeline/internal/worker"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var useQueue, once, force bool

	cmd := &cobra.Command{
		Use:   "run <stage> [content_id]",
		Short: "Run a stage worker until stopped, or process one item",
		Long: "Run a stage worker until stopped, or process one item.\n\n" +
			"The loop and --once take a per-stage lock so only one runs per host. " +
			"A run with an explicit content_id skips the lock and may overlap the running worker.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if len(args) == 2 {
				parsed, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil || parsed <= 0 {
					return fmt.Errorf("invalid content id %q", args[1])
				}
				id = parsed
			}
			return runStage(cmd.Context(), ctx, args[0], id, useQueue, once, force)
		},
	}
	cmd.Flags().BoolVar(&useQueue, "queue", false, "Consume notifications from the stage's input queue")
	cmd.Flags().BoolVar(&once, "once", false, "Run a single cycle and exit")
	cmd.Flags().BoolVar(&force, "force", false, "Reprocess an explicit item even if the stage already completed it")
	return cmd
}

func runStage(parent context.Context, c *commandContext, name string, id int64, useQueue, once, force bool) error {
	cfg := c.cfg
	log := c.logger().With(zap.String("stage", name))

	res, err := c.open(parent)
	if err != nil {
		return err
	}
	defer res.Close()

	stage, ok := res.pipe.Stage(name)
	if !ok {
		return fmt.Errorf("unknown stage %q", name)
	}

	// Explicit-id runs may overlap the stage daemon; the versioned commit
	// keeps the item consistent if both pick it.
	if id == 0 {
		lock := flock.New(filepath.Join(cfg.LockDir, stage.Name+".lock"))
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("another %s worker is already running on this host", stage.Name)
		}
		defer func() { _ = lock.Unlock() }()
	}

	override := cfg.Stage(stage.Name)
	tr, err := transform.Build(transform.Spec{
		Stage:    stage.Name,
		Command:  override.Command,
		Endpoint: override.Endpoint,
		Timeout:  cfg.TimeoutFor(stage.Name),
		Retries:  cfg.TransformRetries,
		Backoff:  cfg.TransformBackoff,
		Outputs:  stage.Outputs,
	})
	if err != nil {
		return err
	}

	notifier, err := c.notifier(res, cfg.Hostname+":"+stage.Name)
	if err != nil {
		return err
	}
	defer func() { _ = notifier.Close() }()

	var limiter worker.Limiter
	if override.RateLimit != nil && res.redis != nil {
		limiter = ratelimit.New(res.redis, cfg.RateLimitCapacity, *override.RateLimit, time.Hour)
	}
	var mirror worker.Publisher
	if res.mirror != nil {
		mirror = res.mirror
	}

	loop := runner.New(log, runner.WithPoll(cfg.ShutdownPoll))
	proc, err := worker.NewProcessor(worker.Options{
		Stage:            stage,
		Pipeline:         res.pipe,
		Store:            res.store,
		Locator:          res.locator,
		Notifier:         notifier,
		Limiter:          limiter,
		Mirror:           mirror,
		Transform:        tr,
		Logger:           log,
		Busy:             loop.Latch(),
		ContentType:      cfg.ContentType,
		IdleInterval:     cfg.IdleInterval,
		ThrottleInterval: cfg.ThrottleInterval,
		FailureDelay:     cfg.TransformBackoff,
	})
	if err != nil {
		return err
	}

	if id != 0 || once {
		var result worker.Result
		err := loop.Run(parent, func(ctx context.Context) (time.Duration, error) {
			result = proc.RunOnce(ctx, worker.Target{ID: id, Force: force})
			return 0, runner.ErrDone
		})
		if err != nil {
			return err
		}
		if result.Outcome == "" {
			log.Info("stopped before the cycle started")
			return nil
		}
		log.Info("cycle finished", zap.String("outcome", string(result.Outcome)), zap.Int64("content_id", result.ContentID))
		switch result.Outcome {
		case worker.OutcomeNotFound, worker.OutcomeFailed, worker.OutcomeRateLimited:
			if result.Err == nil {
				result.Err = errors.New(string(result.Outcome))
			}
			return fmt.Errorf("%s: %w", stage.Name, result.Err)
		}
		return nil
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	step := proc.Poll
	if useQueue {
		step = proc.Consume
		if rq, ok := notifier.(*queue.RedisQueue); ok && stage.InputQueue != "" {
			if n, err := rq.Recover(parent, stage.InputQueue); err != nil {
				log.Warn("recover in-flight notifications", zap.Error(err))
			} else if n > 0 {
				log.Info("requeued in-flight notifications", zap.Int("count", n))
			}
		}
	}
	log.Info("worker started",
		zap.Bool("queue", useQueue),
		zap.Int("ceiling", stage.Ceiling),
		zap.String("output_dir", cfg.OutputDir))
	return loop.Run(parent, step)
}
