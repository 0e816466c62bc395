package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"content-pipeline/internal/artifact"
	"content-pipeline/internal/gate"
	"content-pipeline/internal/models"
	"content-pipeline/internal/pipeline"
	"content-pipeline/internal/queue"
	"content-pipeline/internal/ratelimit"
	"content-pipeline/internal/store"
	"content-pipeline/internal/telemetry"
	"content-pipeline/internal/transform"
)

// Outcome classifies how a cycle ended.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeIdle        Outcome = "idle"
	OutcomeThrottled   Outcome = "throttled"
	OutcomeNotEligible Outcome = "not_eligible"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeSelfHealed  Outcome = "self_healed"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFailed      Outcome = "failed"
)

var errInputsInvalidated = errors.New("input flags were invalidated during the cycle")

// Store is the content store surface a stage worker needs.
type Store interface {
	gate.Counter
	Get(ctx context.Context, id int64) (models.ContentItem, error)
	FindFirst(ctx context.Context, p store.Predicate) (models.ContentItem, error)
	Create(ctx context.Context, item *models.ContentItem) error
	Update(ctx context.Context, id int64, mutate func(*models.ContentItem) error) (models.ContentItem, error)
}

// Limiter guards calls to a shared external service.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// Publisher copies produced artifacts to shared storage.
type Publisher interface {
	Publish(ctx context.Context, localPath string) (string, error)
}

// Latch is raised while a selected item is being processed.
type Latch interface {
	Set(busy bool)
}

// Options wires a Processor. Notifier, Limiter, Mirror and Busy are optional.
type Options struct {
	Stage       pipeline.Stage
	Pipeline    *pipeline.Pipeline
	Store       Store
	Gate        *gate.Gate
	Locator     *artifact.Locator
	Notifier    queue.Notifier
	Limiter     Limiter
	Mirror      Publisher
	Transform   transform.Transform
	Logger      *zap.Logger
	Busy        Latch
	Ceiling     int
	ContentType string

	IdleInterval     time.Duration
	ThrottleInterval time.Duration
	FailureDelay     time.Duration
}

// Processor runs one stage: select, localize, transform, commit, notify.
type Processor struct {
	stage     pipeline.Stage
	pipe      *pipeline.Pipeline
	store     Store
	gate      *gate.Gate
	locator   *artifact.Locator
	notifier  queue.Notifier
	limiter   Limiter
	mirror    Publisher
	transform transform.Transform
	log       *zap.Logger
	busy      Latch
	ceiling   int
	ctype     string

	idle     time.Duration
	throttle time.Duration
	failure  time.Duration

	newID func() string
}

// Target names the item a cycle should work on. A zero ID means pick the
// oldest eligible item. Force processes an explicit item even when its flags
// say it is not eligible, provided its input flags hold.
type Target struct {
	ID    int64
	Force bool
}

// Result reports one cycle.
type Result struct {
	Outcome    Outcome
	ContentID  int64
	Err        error
	RetryAfter time.Duration
}

type noopLatch struct{}

func (noopLatch) Set(bool) {}

func NewProcessor(opts Options) (*Processor, error) {
	if opts.Pipeline == nil || opts.Store == nil || opts.Locator == nil || opts.Transform == nil {
		return nil, errors.New("processor needs a pipeline, store, locator and transform")
	}
	if err := opts.Stage.Validate(); err != nil {
		return nil, err
	}
	if opts.Gate == nil {
		opts.Gate = gate.New(opts.Store)
	}
	if opts.Notifier == nil {
		opts.Notifier = queue.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Busy == nil {
		opts.Busy = noopLatch{}
	}
	if opts.Ceiling == 0 {
		opts.Ceiling = opts.Stage.Ceiling
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = 60 * time.Second
	}
	if opts.ThrottleInterval <= 0 {
		opts.ThrottleInterval = 60 * time.Second
	}
	if opts.FailureDelay <= 0 {
		opts.FailureDelay = 5 * time.Second
	}
	return &Processor{
		stage:     opts.Stage,
		pipe:      opts.Pipeline,
		store:     opts.Store,
		gate:      opts.Gate,
		locator:   opts.Locator,
		notifier:  opts.Notifier,
		limiter:   opts.Limiter,
		mirror:    opts.Mirror,
		transform: opts.Transform,
		log:       opts.Logger.With(zap.String("stage", opts.Stage.Name)),
		busy:      opts.Busy,
		ceiling:   opts.Ceiling,
		ctype:     opts.ContentType,
		idle:      opts.IdleInterval,
		throttle:  opts.ThrottleInterval,
		failure:   opts.FailureDelay,
		newID:     func() string { return uuid.NewString() },
	}, nil
}

// Stage returns the descriptor this processor runs.
func (p *Processor) Stage() pipeline.Stage { return p.stage }

// RunOnce executes a single cycle.
func (p *Processor) RunOnce(ctx context.Context, target Target) Result {
	log := p.log.With(zap.String("cycle_id", p.newID()))
	res := p.cycle(ctx, target, log)
	telemetry.CycleCounter.WithLabelValues(p.stage.Name, string(res.Outcome)).Inc()
	return res
}

func (p *Processor) cycle(ctx context.Context, target Target, log *zap.Logger) Result {
	item, res, ok := p.selectItem(ctx, target, log)
	if !ok {
		return res
	}
	p.busy.Set(true)
	telemetry.InFlightGauge.Set(1)
	defer func() {
		telemetry.InFlightGauge.Set(0)
		p.busy.Set(false)
	}()

	started := time.Now()
	defer func() {
		telemetry.CycleDuration.WithLabelValues(p.stage.Name).Observe(time.Since(started).Seconds())
	}()
	log = log.With(zap.Int64("content_id", item.ID))
	result := Result{ContentID: item.ID}

	inputs, kind, err := p.localize(ctx, item)
	if err != nil {
		if artifact.Recoverable(err) {
			log.Warn("input artifact unavailable, resetting producer", zap.String("kind", string(kind)), zap.Error(err))
			if healErr := p.selfHeal(ctx, item.ID, kind, log); healErr != nil {
				log.Error("self-heal failed", zap.Error(healErr))
				result.Outcome, result.Err = OutcomeFailed, healErr
				return result
			}
			result.Outcome, result.Err = OutcomeSelfHealed, err
			return result
		}
		log.Error("localize inputs", zap.Error(err))
		result.Outcome, result.Err = OutcomeFailed, err
		return result
	}

	if p.limiter != nil {
		allowed, wait, err := p.limiter.Allow(ctx, ratelimit.StageKey(p.stage.Name))
		if err != nil {
			// Limiter outages fail open.
			log.Warn("rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			telemetry.RateLimitRejects.WithLabelValues(p.stage.Name).Inc()
			log.Info("transform rate limited", zap.Duration("retry_after", wait))
			result.Outcome, result.Err, result.RetryAfter = OutcomeRateLimited, transform.ErrRateLimited, wait
			return result
		}
	}

	outputs := p.outputPaths(item)
	out, err := p.transform.Transform(ctx, transform.Request{
		Stage:   p.stage.Name,
		Item:    item.Clone(),
		Inputs:  inputs,
		Outputs: outputs,
	})
	if err != nil {
		switch {
		case errors.Is(err, transform.ErrRateLimited):
			log.Info("transform rate limited upstream", zap.Error(err))
			result.Outcome = OutcomeRateLimited
		case transform.Retryable(err):
			log.Warn("transform unavailable", zap.Error(err))
			result.Outcome = OutcomeFailed
		default:
			log.Error("transform failed", zap.Error(err))
			result.Outcome = OutcomeFailed
		}
		result.Err = err
		return result
	}

	records, err := p.describe(out, outputs)
	if err != nil {
		log.Error("inspect outputs", zap.Error(err))
		result.Outcome, result.Err = OutcomeFailed, err
		return result
	}

	updated, err := p.commit(ctx, item.ID, out, records, target.Force)
	switch {
	case errors.Is(err, store.ErrNoChange):
		log.Info("completion flag already set by another worker, discarding result")
		result.Outcome = OutcomeNotEligible
		return result
	case errors.Is(err, errInputsInvalidated):
		log.Info("inputs were reset during the cycle, discarding result")
		result.Outcome = OutcomeNotEligible
		return result
	case err != nil:
		log.Error("commit", zap.Error(err))
		result.Outcome, result.Err = OutcomeFailed, err
		return result
	}

	p.publish(ctx, records, log)
	p.notify(ctx, updated, log)
	log.Info("stage completed", zap.Duration("elapsed", time.Since(started)))
	result.Outcome = OutcomeCompleted
	return result
}

func (p *Processor) selectItem(ctx context.Context, target Target, log *zap.Logger) (models.ContentItem, Result, bool) {
	if target.ID != 0 {
		item, err := p.store.Get(ctx, target.ID)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("content item not found", zap.Int64("content_id", target.ID))
			return item, Result{Outcome: OutcomeNotFound, ContentID: target.ID, Err: err}, false
		}
		if err != nil {
			log.Error("load content item", zap.Int64("content_id", target.ID), zap.Error(err))
			return item, Result{Outcome: OutcomeFailed, ContentID: target.ID, Err: err}, false
		}
		if !p.stage.Eligible(item) && !(target.Force && p.inputsHold(item)) {
			log.Debug("content item not eligible", zap.Int64("content_id", target.ID))
			return item, Result{Outcome: OutcomeNotEligible, ContentID: target.ID}, false
		}
		return item, Result{}, true
	}

	if p.stage.Gated() {
		throttled, err := p.gate.Check(ctx, p.stage.Name, p.backlogPredicate(), p.ceiling)
		if err != nil {
			log.Error("backpressure check", zap.Error(err))
			return models.ContentItem{}, Result{Outcome: OutcomeFailed, Err: err}, false
		}
		if throttled {
			log.Info("backpressure ceiling reached", zap.Int("ceiling", p.ceiling))
			return models.ContentItem{}, Result{Outcome: OutcomeThrottled}, false
		}
	}

	pred := p.stage.SelectPredicate()
	pred.Type = p.ctype
	item, err := p.store.FindFirst(ctx, pred)
	if errors.Is(err, store.ErrNotFound) {
		if len(p.stage.InputFlags) == 0 {
			return p.createItem(ctx, log)
		}
		log.Debug("no eligible content")
		return item, Result{Outcome: OutcomeIdle}, false
	}
	if err != nil {
		log.Error("select content", zap.Error(err))
		return item, Result{Outcome: OutcomeFailed, Err: err}, false
	}
	return item, Result{}, true
}

// createItem starts a new item for a stage with no inputs.
func (p *Processor) createItem(ctx context.Context, log *zap.Logger) (models.ContentItem, Result, bool) {
	item := models.ContentItem{
		Type:      p.ctype,
		Status:    models.StatusFlags{},
		Artifacts: map[models.ArtifactKind]models.Artifact{},
	}
	if err := p.store.Create(ctx, &item); err != nil {
		log.Error("create content item", zap.Error(err))
		return item, Result{Outcome: OutcomeFailed, Err: err}, false
	}
	log.Info("created content item", zap.Int64("content_id", item.ID))
	return item, Result{}, true
}

// backlogPredicate counts only items of this worker's content type.
func (p *Processor) backlogPredicate() store.Predicate {
	pred := p.stage.GatePredicate()
	pred.Type = p.ctype
	return pred
}

func (p *Processor) inputsHold(item models.ContentItem) bool {
	for _, f := range p.stage.InputFlags {
		if !item.Status.IsTrue(f) {
			return false
		}
	}
	return true
}

func (p *Processor) localize(ctx context.Context, item models.ContentItem) (map[models.ArtifactKind]string, models.ArtifactKind, error) {
	inputs := make(map[models.ArtifactKind]string, len(p.stage.Inputs))
	for _, kind := range p.stage.Inputs {
		rec, ok := item.ArtifactFor(kind)
		if !ok {
			return nil, kind, fmt.Errorf("%w: content %d has no %s record", artifact.ErrArtifactMissing, item.ID, kind)
		}
		path, err := p.locator.EnsureLocal(ctx, rec, p.locator.Path(kind, rec.Filename))
		if err != nil {
			return nil, kind, err
		}
		inputs[kind] = path
	}
	return inputs, "", nil
}

// selfHeal clears the missing artifact and invalidates the stage that
// produced it so the item is regenerated instead of wedging here.
func (p *Processor) selfHeal(ctx context.Context, id int64, kind models.ArtifactKind, log *zap.Logger) error {
	producer, ok := p.pipe.Producer(kind)
	if !ok {
		return fmt.Errorf("no stage produces %s", kind)
	}
	var changed []string
	_, err := p.store.Update(ctx, id, func(item *models.ContentItem) error {
		item.ClearArtifact(kind)
		changed = p.pipe.Invalidate(item, producer.CompletionFlag)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset %s: %w", producer.CompletionFlag, err)
	}
	for _, f := range changed {
		telemetry.SelfHealResets.WithLabelValues(f).Inc()
	}
	log.Info("producer flag reset", zap.Strings("flags", changed))
	return nil
}

func (p *Processor) outputPaths(item models.ContentItem) map[models.ArtifactKind]string {
	out := make(map[models.ArtifactKind]string, len(p.stage.Outputs))
	for _, kind := range p.stage.Outputs {
		out[kind] = p.locator.Path(kind, item.PaddedID()+kind.Ext())
	}
	return out
}

func (p *Processor) describe(res transform.Result, expected map[models.ArtifactKind]string) (map[models.ArtifactKind]models.Artifact, error) {
	records := make(map[models.ArtifactKind]models.Artifact, len(expected))
	for kind := range expected {
		path, ok := res.Artifacts[kind]
		if !ok {
			return nil, fmt.Errorf("%w: transform did not report a %s output", transform.ErrIOFailure, kind)
		}
		rec, err := p.locator.Describe(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", transform.ErrIOFailure, err)
		}
		if filepath.Clean(path) != p.locator.Path(kind, rec.Filename) {
			return nil, fmt.Errorf("%w: %s output %s is outside the artifact directory", transform.ErrIOFailure, kind, path)
		}
		if d, ok := res.Durations[kind]; ok {
			rec.Duration = &d
		}
		records[kind] = rec
	}
	return records, nil
}

func (p *Processor) commit(ctx context.Context, id int64, res transform.Result, records map[models.ArtifactKind]models.Artifact, force bool) (models.ContentItem, error) {
	flag := p.stage.CompletionFlag
	return p.store.Update(ctx, id, func(item *models.ContentItem) error {
		if !p.inputsHold(*item) {
			return errInputsInvalidated
		}
		if item.Status.IsTrue(flag) {
			if !force {
				return store.ErrNoChange
			}
			// A forced rerun replaces the artifact, so downstream work is stale.
			p.pipe.Invalidate(item, flag)
		}
		source := len(p.stage.InputFlags) == 0
		if res.Segments != nil && !source && !sameSegmentOrder(item.Segments, res.Segments) {
			return fmt.Errorf("%w: %s returned reordered segments", transform.ErrBadResponse, p.stage.Name)
		}
		for kind, rec := range records {
			item.RecordArtifact(kind, rec)
		}
		// Only the source stage names an item or writes its text.
		if source {
			if res.Title != "" {
				item.Title = res.Title
			}
			if res.Segments != nil {
				item.Segments = res.Segments
			}
		}
		if len(res.Meta) > 0 {
			if item.Meta == nil {
				item.Meta = map[string]any{}
			}
			for k, v := range res.Meta {
				item.Meta[k] = v
			}
		}
		item.MarkComplete(flag)
		if p.stage.LegacyStatus != "" {
			item.LegacyStatus = p.stage.LegacyStatus
		}
		return nil
	})
}

// sameSegmentOrder reports whether got carries want's segments in the same order.
func sameSegmentOrder(want, got []models.Segment) bool {
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i].Content != got[i].Content {
			return false
		}
	}
	return true
}

func (p *Processor) publish(ctx context.Context, records map[models.ArtifactKind]models.Artifact, log *zap.Logger) {
	if p.mirror == nil {
		return
	}
	for kind, rec := range records {
		uri, err := p.mirror.Publish(ctx, p.locator.Path(kind, rec.Filename))
		if err != nil {
			log.Warn("mirror upload failed", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		log.Debug("artifact mirrored", zap.String("uri", uri))
	}
}

func (p *Processor) notify(ctx context.Context, item models.ContentItem, log *zap.Logger) {
	if p.stage.OutputQueue == "" {
		return
	}
	err := p.notifier.Push(ctx, p.stage.OutputQueue, queue.Message{ContentID: item.ID, Hostname: p.locator.Hostname()})
	if err != nil {
		telemetry.NotifyFailures.WithLabelValues(p.stage.OutputQueue).Inc()
		log.Warn("notify downstream failed", zap.String("queue", p.stage.OutputQueue), zap.Error(err))
	}
}

// Delay returns how long the loop should wait after a cycle.
func (p *Processor) Delay(res Result) time.Duration {
	switch res.Outcome {
	case OutcomeIdle:
		return p.idle
	case OutcomeThrottled:
		return p.throttle
	case OutcomeRateLimited:
		if res.RetryAfter > 0 {
			return res.RetryAfter
		}
		return p.failure
	case OutcomeFailed:
		return p.failure
	default:
		return 0
	}
}
