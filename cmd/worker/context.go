package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"content-pipeline/internal/artifact"
	"content-pipeline/internal/config"
	"content-pipeline/internal/logging"
	"content-pipeline/internal/pipeline"
	"content-pipeline/internal/queue"
	"content-pipeline/internal/store"
)

// commandContext loads configuration once and opens shared resources on demand.
type commandContext struct {
	stagesFlag *string

	once   sync.Once
	cfg    config.Config
	log    *zap.Logger
	cfgErr error
}

func newCommandContext(stagesFlag *string) *commandContext {
	return &commandContext{stagesFlag: stagesFlag}
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.once.Do(func() {
		if c.stagesFlag != nil && *c.stagesFlag != "" {
			_ = os.Setenv("PIPELINE_CONFIG", *c.stagesFlag)
		}
		c.cfg, c.cfgErr = config.Load()
		if c.cfgErr != nil {
			c.cfgErr = fmt.Errorf("load config: %w", c.cfgErr)
			return
		}
		c.log, c.cfgErr = logging.New(c.cfg.Env, c.cfg.LogLevel)
		if c.cfgErr == nil {
			c.log = c.log.With(zap.String("host", c.cfg.Hostname))
		}
	})
	return c.cfg, c.cfgErr
}

func (c *commandContext) logger() *zap.Logger {
	if c.log == nil {
		return zap.NewNop()
	}
	return c.log
}

// pipeline builds the stage graph with configured ceilings applied.
func (c *commandContext) pipeline() (*pipeline.Pipeline, error) {
	stages := pipeline.Defaults()
	for i := range stages {
		if len(stages[i].ThrottleUntil) > 0 {
			stages[i].Ceiling = c.cfg.CeilingFor(stages[i].Name, stages[i].Ceiling)
		}
	}
	return pipeline.New(stages)
}

// resources are the connections a command holds for its lifetime.
type resources struct {
	store   *store.Store
	pipe    *pipeline.Pipeline
	locator *artifact.Locator
	mirror  *artifact.Mirror
	redis   *redis.Client
	closers []func() error
}

func (r *resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
}

func (c *commandContext) open(ctx context.Context) (*resources, error) {
	cfg := c.cfg
	log := c.logger()
	res := &resources{}

	pipe, err := c.pipeline()
	if err != nil {
		return nil, err
	}
	res.pipe = pipe

	st, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	res.closers = append(res.closers, st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		res.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	res.store = st

	pullers := []artifact.Puller{artifact.NewRsync(cfg.RsyncPath, cfg.RsyncUser, cfg.RsyncArgs)}
	if cfg.MirrorBucket != "" {
		client, err := artifact.NewS3Client(ctx, cfg.AWSRegion, cfg.S3Endpoint)
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		res.mirror = artifact.NewMirror(client, cfg.MirrorBucket, cfg.MirrorPrefix, cfg.OutputDir)
		pullers = append(pullers, res.mirror)
	}
	res.locator = artifact.NewLocator(cfg.Hostname, cfg.OutputDir, log, pullers...).
		WithFileWait(cfg.FileWaitAttempts, cfg.FileWaitInterval)

	if cfg.QueueBackend == "redis" || c.anyRateLimit() {
		res.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		res.closers = append(res.closers, res.redis.Close)
	}
	return res, nil
}

func (c *commandContext) anyRateLimit() bool {
	for _, st := range c.cfg.Stages {
		if st.RateLimit != nil {
			return true
		}
	}
	return false
}

// notifier opens the configured queue backend for one stage worker.
func (c *commandContext) notifier(res *resources, consumer string) (queue.Notifier, error) {
	switch c.cfg.QueueBackend {
	case "redis":
		return queue.NewRedisQueue(res.redis, consumer), nil
	case "amqp":
		q, err := queue.DialAMQP(c.cfg.AMQPURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", queue.RedactURL(c.cfg.AMQPURL), err)
		}
		return q, nil
	default:
		return queue.Noop{}, nil
	}
}
