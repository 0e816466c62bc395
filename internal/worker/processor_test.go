package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"content-pipeline/internal/artifact"
	"content-pipeline/internal/models"
	"content-pipeline/internal/pipeline"
	"content-pipeline/internal/queue"
	"content-pipeline/internal/runner"
	"content-pipeline/internal/store"
	"content-pipeline/internal/transform"
)

// hostPuller copies from another host's base directory, standing in for rsync.
type hostPuller struct {
	dirs  map[string]string
	local string
	err   error
	calls int
}

func (p *hostPuller) Name() string { return "fake" }

func (p *hostPuller) Pull(_ context.Context, host, remotePath, localPath string) error {
	p.calls++
	if p.err != nil {
		return p.err
	}
	src := p.dirs[host] + strings.TrimPrefix(remotePath, p.local)
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

type fixture struct {
	st   *store.Store
	pipe *pipeline.Pipeline
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.RunMigrations(ctx))
	return fixture{st: st, pipe: pipeline.Default()}
}

func (f fixture) seed(t *testing.T, id int64, flags models.StatusFlags) {
	t.Helper()
	item := models.ContentItem{
		ID:       id,
		Title:    "Octopuses have three hearts",
		Segments: []models.Segment{{Count: 1, Content: "Octopuses have three hearts."}},
		Status:   flags,
	}
	require.NoError(t, f.st.Create(context.Background(), &item))
}

func (f fixture) processor(t *testing.T, stage string, loc *artifact.Locator, fn transform.Func, mutate ...func(*Options)) *Processor {
	t.Helper()
	s, ok := f.pipe.Stage(stage)
	require.True(t, ok)
	opts := Options{
		Stage:     s,
		Pipeline:  f.pipe,
		Store:     f.st,
		Locator:   loc,
		Transform: fn,
	}
	for _, m := range mutate {
		m(&opts)
	}
	p, err := NewProcessor(opts)
	require.NoError(t, err)
	return p
}

// writeOutputs writes body to every requested output path.
func writeOutputs(body string, calls *int) transform.Func {
	return func(_ context.Context, req transform.Request) (transform.Result, error) {
		if calls != nil {
			*calls++
		}
		res := transform.Result{Artifacts: map[models.ArtifactKind]string{}, Durations: map[models.ArtifactKind]float64{}}
		for kind, path := range req.Outputs {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return res, err
			}
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				return res, err
			}
			res.Artifacts[kind] = path
			res.Durations[kind] = 3.5
		}
		return res, nil
	}
}

func TestProcessorPicksLowestEligibleID(t *testing.T) {
	f := newFixture(t)
	for _, id := range []int64{5, 2, 9} {
		f.seed(t, id, models.StatusFlags{pipeline.FlagFunFact: true})
	}
	loc := artifact.NewLocator("host-a", t.TempDir(), nil)
	p := f.processor(t, "wav", loc, writeOutputs("RIFF", nil))

	res := p.RunOnce(context.Background(), Target{})
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, int64(2), res.ContentID)
}

func TestProcessorAcrossHosts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 42, models.StatusFlags{pipeline.FlagFunFact: true})

	dirA, dirB := t.TempDir(), t.TempDir()
	wav := f.processor(t, "wav", artifact.NewLocator("host-a", dirA, nil), writeOutputs("RIFF-wave-data", nil))
	res := wav.RunOnce(ctx, Target{})
	require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)

	item, err := f.st.Get(ctx, 42)
	require.NoError(t, err)
	require.True(t, item.Status.IsTrue(pipeline.FlagWAV))
	rec, ok := item.ArtifactFor(models.ArtifactWAV)
	require.True(t, ok)
	require.Equal(t, "host-a", rec.Hostname)
	require.Equal(t, "0000000042.wav", rec.Filename)
	require.NotEmpty(t, rec.SHA256)
	require.NotNil(t, rec.Duration)

	puller := &hostPuller{dirs: map[string]string{"host-a": dirA}, local: dirB}
	var seen string
	mp3 := f.processor(t, "mp3", artifact.NewLocator("host-b", dirB, nil, puller), func(ctx context.Context, req transform.Request) (transform.Result, error) {
		data, err := os.ReadFile(req.Inputs[models.ArtifactWAV])
		if err != nil {
			return transform.Result{}, err
		}
		seen = string(data)
		return writeOutputs("ID3", nil)(ctx, req)
	})
	res = mp3.RunOnce(ctx, Target{})
	require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)
	require.Equal(t, 1, puller.calls)
	require.Equal(t, "RIFF-wave-data", seen)

	item, err = f.st.Get(ctx, 42)
	require.NoError(t, err)
	require.True(t, item.Status.IsTrue(pipeline.FlagMP3))
	mp3Rec, _ := item.ArtifactFor(models.ArtifactMP3)
	require.Equal(t, "host-b", mp3Rec.Hostname)
	require.Equal(t, "mp3_generated", item.LegacyStatus)
}

func TestProcessorResetsProducerWhenCopyFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 42, models.StatusFlags{pipeline.FlagFunFact: true})

	dirA := t.TempDir()
	wav := f.processor(t, "wav", artifact.NewLocator("host-a", dirA, nil), writeOutputs("RIFF", nil))
	require.Equal(t, OutcomeCompleted, wav.RunOnce(ctx, Target{}).Outcome)

	calls := 0
	puller := &hostPuller{err: errors.New("connection refused")}
	mp3 := f.processor(t, "mp3", artifact.NewLocator("host-b", t.TempDir(), nil, puller), writeOutputs("ID3", &calls))
	res := mp3.RunOnce(ctx, Target{})
	require.Equal(t, OutcomeSelfHealed, res.Outcome)
	require.True(t, errors.Is(res.Err, artifact.ErrLocalityTransfer))
	require.Zero(t, calls)

	item, err := f.st.Get(ctx, 42)
	require.NoError(t, err)
	v, present := item.Status.Get(pipeline.FlagWAV)
	require.True(t, present)
	require.False(t, v)
	_, present = item.Status.Get(pipeline.FlagMP3)
	require.False(t, present)
	_, ok := item.ArtifactFor(models.ArtifactWAV)
	require.False(t, ok)

	// The item is back in the wav stage's queue.
	res = wav.RunOnce(ctx, Target{})
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, int64(42), res.ContentID)
}

func TestProcessorDiscardsWhenAnotherWorkerFinished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 7, models.StatusFlags{pipeline.FlagFunFact: true})

	race := func(ctx context.Context, req transform.Request) (transform.Result, error) {
		_, err := f.st.Update(ctx, req.Item.ID, func(item *models.ContentItem) error {
			item.MarkComplete(pipeline.FlagWAV)
			return nil
		})
		if err != nil {
			return transform.Result{}, err
		}
		return writeOutputs("RIFF", nil)(ctx, req)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	p := f.processor(t, "wav", artifact.NewLocator("host-a", t.TempDir(), nil), race, func(o *Options) {
		o.Logger = zap.New(core)
	})

	res := p.RunOnce(ctx, Target{})
	require.Equal(t, OutcomeNotEligible, res.Outcome)
	require.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	require.Equal(t, 1, logs.FilterMessageSnippet("already set").Len())
	item, err := f.st.Get(ctx, 7)
	require.NoError(t, err)
	_, ok := item.ArtifactFor(models.ArtifactWAV)
	require.False(t, ok, "losing writer must not record its artifact")
}

func TestProcessorThrottlesAtCeiling(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, models.StatusFlags{pipeline.FlagFunFact: true, pipeline.FlagWAV: true})
	f.seed(t, 2, models.StatusFlags{pipeline.FlagFunFact: true})

	calls := 0
	p := f.processor(t, "wav", artifact.NewLocator("host-a", t.TempDir(), nil), writeOutputs("RIFF", &calls), func(o *Options) {
		o.Ceiling = 1
		o.ThrottleInterval = time.Minute
	})
	res := p.RunOnce(context.Background(), Target{})
	require.Equal(t, OutcomeThrottled, res.Outcome)
	require.Zero(t, calls)
	require.Equal(t, time.Minute, p.Delay(res))
}

func TestProcessorIdleWhenNothingEligible(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, models.StatusFlags{pipeline.FlagFunFact: true, pipeline.FlagWAV: true})
	p := f.processor(t, "mp3", artifact.NewLocator("host-a", t.TempDir(), nil), writeOutputs("ID3", nil), func(o *Options) {
		o.IdleInterval = 30 * time.Second
	})
	// The wav record is missing, so the mp3 stage heals rather than idles.
	res := p.RunOnce(context.Background(), Target{})
	require.Equal(t, OutcomeSelfHealed, res.Outcome)

	res = p.RunOnce(context.Background(), Target{})
	require.Equal(t, OutcomeIdle, res.Outcome)
	require.Equal(t, 30*time.Second, p.Delay(res))
}

func TestProcessorSourceStageCreatesItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gen := func(_ context.Context, req transform.Request) (transform.Result, error) {
		return transform.Result{
			Title:    "Honey never spoils",
			Segments: []models.Segment{{Count: 1, Content: "Honey never spoils."}},
		}, nil
	}
	p := f.processor(t, "funfact", artifact.NewLocator("host-a", t.TempDir(), nil), gen, func(o *Options) {
		o.ContentType = "fact"
	})

	res := p.RunOnce(ctx, Target{})
	require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)
	item, err := f.st.Get(ctx, res.ContentID)
	require.NoError(t, err)
	require.Equal(t, "fact", item.Type)
	require.Equal(t, "Honey never spoils", item.Title)
	require.True(t, item.Status.IsTrue(pipeline.FlagFunFact))
}

func TestProcessorExplicitIDNotFound(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, "wav", artifact.NewLocator("host-a", t.TempDir(), nil), writeOutputs("RIFF", nil))
	res := p.RunOnce(context.Background(), Target{ID: 404})
	require.Equal(t, OutcomeNotFound, res.Outcome)
	require.True(t, errors.Is(res.Err, store.ErrNotFound))
}

func TestProcessorForcedRerunInvalidatesDownstream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 3, models.StatusFlags{pipeline.FlagFunFact: true})
	p := f.processor(t, "wav", artifact.NewLocator("host-a", t.TempDir(), nil), writeOutputs("RIFF", nil))
	require.Equal(t, OutcomeCompleted, p.RunOnce(ctx, Target{}).Outcome)
	_, err := f.st.Update(ctx, 3, func(item *models.ContentItem) error {
		item.MarkComplete(pipeline.FlagMP3)
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, OutcomeNotEligible, p.RunOnce(ctx, Target{ID: 3}).Outcome)
	require.Equal(t, OutcomeCompleted, p.RunOnce(ctx, Target{ID: 3, Force: true}).Outcome)

	item, err := f.st.Get(ctx, 3)
	require.NoError(t, err)
	require.True(t, item.Status.IsTrue(pipeline.FlagWAV))
	require.False(t, item.Status.IsTrue(pipeline.FlagMP3))
}

func TestConsumeProcessesNotificationAndNotifiesDownstream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 42, models.StatusFlags{pipeline.FlagFunFact: true})

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	q := queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "host-a:wav")
	require.NoError(t, q.Push(ctx, pipeline.FlagFunFact, queue.Message{ContentID: 42, Hostname: "host-c"}))

	p := f.processor(t, "wav", artifact.NewLocator("host-a", t.TempDir(), nil), writeOutputs("RIFF", nil), func(o *Options) {
		o.Notifier = q
	})
	wait, err := p.Consume(ctx)
	require.NoError(t, err)
	require.Zero(t, wait)

	depth, err := q.Depth(ctx, pipeline.FlagFunFact)
	require.NoError(t, err)
	require.Zero(t, depth)
	inFlight, _ := mr.List("queue:" + pipeline.FlagFunFact + ":processing:host-a:wav")
	require.Empty(t, inFlight)

	msg, err := q.Pop(ctx, pipeline.FlagWAV)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, int64(42), msg.ContentID)
	require.Equal(t, "host-a", msg.Hostname)
}

func TestConsumeFallsBackToStoreScan(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 8, models.StatusFlags{pipeline.FlagFunFact: true})
	calls := 0
	p := f.processor(t, "wav", artifact.NewLocator("host-a", t.TempDir(), nil), writeOutputs("RIFF", &calls))

	_, err := p.Consume(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRegenerateArchivesAndResets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 11, models.StatusFlags{pipeline.FlagFunFact: true, pipeline.FlagWAV: true})

	item, err := Regenerate(ctx, f.st, 11, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, item.Archive, 1)
	require.False(t, item.Status.IsTrue(pipeline.FlagFunFact))
	require.Equal(t, "Octopuses have three hearts", item.Archive[0].Snapshot.Title)
}

type refuseLimiter struct{ keys []string }

func (l *refuseLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.keys = append(l.keys, key)
	return false, 1500 * time.Millisecond, nil
}

func TestProcessorRateLimitedSkipsTransform(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 4, models.StatusFlags{pipeline.FlagFunFact: true})
	calls := 0
	lim := &refuseLimiter{}
	p := f.processor(t, "wav", artifact.NewLocator("host-a", t.TempDir(), nil), writeOutputs("RIFF", &calls), func(o *Options) {
		o.Limiter = lim
	})

	res := p.RunOnce(context.Background(), Target{})
	require.Equal(t, OutcomeRateLimited, res.Outcome)
	require.ErrorIs(t, res.Err, transform.ErrRateLimited)
	require.Zero(t, calls)
	require.Equal(t, []string{"rl:transform:wav"}, lim.keys)
	require.Equal(t, 1500*time.Millisecond, p.Delay(res))
}

func TestProcessorKeepsSegmentOrderAndTitle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	original := []models.Segment{
		{Count: 1, Content: "Octopuses have three hearts."},
		{Count: 2, Content: "<spacer 0.5>"},
		{Count: 3, Content: "Two pump blood to the gills."},
	}
	item := models.ContentItem{
		ID:       21,
		Title:    "Octopus hearts",
		Segments: original,
		Status:   models.StatusFlags{pipeline.FlagFunFact: true},
	}
	require.NoError(t, f.st.Create(ctx, &item))

	reorder := func(ctx context.Context, req transform.Request) (transform.Result, error) {
		res, err := writeOutputs("RIFF", nil)(ctx, req)
		reversed := make([]models.Segment, len(req.Item.Segments))
		for i, s := range req.Item.Segments {
			reversed[len(reversed)-1-i] = s
		}
		res.Segments = reversed
		res.Title = "clobbered"
		return res, err
	}
	p := f.processor(t, "wav", artifact.NewLocator("host-a", t.TempDir(), nil), reorder)
	res := p.RunOnce(ctx, Target{})
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.ErrorIs(t, res.Err, transform.ErrBadResponse)

	got, err := f.st.Get(ctx, 21)
	require.NoError(t, err)
	require.Equal(t, original, got.Segments)
	require.Equal(t, "Octopus hearts", got.Title)
	require.False(t, got.Status.IsTrue(pipeline.FlagWAV))

	retitle := func(ctx context.Context, req transform.Request) (transform.Result, error) {
		res, err := writeOutputs("RIFF", nil)(ctx, req)
		res.Segments = req.Item.Segments
		res.Title = "clobbered"
		return res, err
	}
	p = f.processor(t, "wav", artifact.NewLocator("host-a", t.TempDir(), nil), retitle)
	require.Equal(t, OutcomeCompleted, p.RunOnce(ctx, Target{}).Outcome)
	got, err = f.st.Get(ctx, 21)
	require.NoError(t, err)
	require.Equal(t, "Octopus hearts", got.Title)
	require.Equal(t, original, got.Segments)
}

func TestProcessorHoldsLatchDuringCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, 42, models.StatusFlags{pipeline.FlagFunFact: true})
	latch := &runner.Latch{}

	busyDuringTransform := false
	observe := func(ctx context.Context, req transform.Request) (transform.Result, error) {
		busyDuringTransform = latch.Busy()
		return writeOutputs("RIFF", nil)(ctx, req)
	}
	wav := f.processor(t, "wav", artifact.NewLocator("host-a", t.TempDir(), nil), observe, func(o *Options) {
		o.Busy = latch
	})
	require.Equal(t, OutcomeCompleted, wav.RunOnce(ctx, Target{}).Outcome)
	require.True(t, busyDuringTransform)
	require.False(t, latch.Busy())

	puller := &hostPuller{err: errors.New("no route to host")}
	mp3 := f.processor(t, "mp3", artifact.NewLocator("host-b", t.TempDir(), nil, puller), writeOutputs("ID3", nil), func(o *Options) {
		o.Busy = latch
	})
	require.Equal(t, OutcomeSelfHealed, mp3.RunOnce(ctx, Target{}).Outcome)
	require.False(t, latch.Busy())

	require.Equal(t, OutcomeIdle, mp3.RunOnce(ctx, Target{}).Outcome)
	require.False(t, latch.Busy())
}

func TestProcessorBacklogCountsOwnContentType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := models.ContentItem{ID: 1, Type: "quote", Status: models.StatusFlags{pipeline.FlagFunFact: true, pipeline.FlagWAV: true}}
	require.NoError(t, f.st.Create(ctx, &other))
	mine := models.ContentItem{ID: 2, Type: "fact", Status: models.StatusFlags{pipeline.FlagFunFact: true}}
	require.NoError(t, f.st.Create(ctx, &mine))

	p := f.processor(t, "wav", artifact.NewLocator("host-a", t.TempDir(), nil), writeOutputs("RIFF", nil), func(o *Options) {
		o.Ceiling = 1
		o.ContentType = "fact"
	})
	res := p.RunOnce(ctx, Target{})
	require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)
	require.Equal(t, int64(2), res.ContentID)

	// Now one fact sits in the backlog.
	third := models.ContentItem{ID: 3, Type: "fact", Status: models.StatusFlags{pipeline.FlagFunFact: true}}
	require.NoError(t, f.st.Create(ctx, &third))
	require.Equal(t, OutcomeThrottled, p.RunOnce(ctx, Target{}).Outcome)
}
