package artifact

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"content-pipeline/internal/models"
	"content-pipeline/internal/pipeline"
	"content-pipeline/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "check.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func TestCheckerResetsMissingLocalArtifacts(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	loc := NewLocator("host-a", t.TempDir(), nil)

	present := loc.Path(models.ArtifactWAV, "0000000001.wav")
	writeFile(t, present, "RIFF....WAVE")
	presentRec, err := loc.Describe(present)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}

	flags := func() models.StatusFlags {
		return models.StatusFlags{"funfact_created": true, "wav_generated": true, "mp3_generated": true}
	}
	items := []models.ContentItem{
		{ID: 1, Status: flags(), Artifacts: map[models.ArtifactKind]models.Artifact{models.ArtifactWAV: presentRec}},
		{ID: 2, Status: flags(), Artifacts: map[models.ArtifactKind]models.Artifact{models.ArtifactWAV: {Filename: "0000000002.wav", Hostname: "host-a"}}},
		{ID: 3, Status: flags(), Artifacts: map[models.ArtifactKind]models.Artifact{models.ArtifactWAV: {Filename: "0000000003.wav", Hostname: "host-b"}}},
		{ID: 4, Status: models.StatusFlags{"funfact_created": true, "wav_generated": true}},
		{ID: 5, Status: models.StatusFlags{"funfact_created": true}},
	}
	for i := range items {
		if err := st.Create(ctx, &items[i]); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	checker := NewChecker(st, pipeline.Default(), loc, nil)
	checker.batchSize = 2
	sum, err := checker.Check(ctx, models.ArtifactWAV)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	want := CheckSummary{Checked: 4, Valid: 1, Skipped: 1, Flagged: 2, Updated: 2}
	if sum != want {
		t.Fatalf("summary = %+v, want %+v", sum, want)
	}

	missing, _ := st.Get(ctx, 2)
	if v, ok := missing.Status.Get("wav_generated"); !ok || v {
		t.Fatalf("wav flag should be false, got %v", missing.Status)
	}
	if v, ok := missing.Status.Get("mp3_generated"); !ok || v {
		t.Fatalf("dependent mp3 flag should be false, got %v", missing.Status)
	}
	if _, ok := missing.ArtifactFor(models.ArtifactWAV); ok {
		t.Fatalf("artifact record should be cleared")
	}

	noRecord, _ := st.Get(ctx, 4)
	if _, ok := noRecord.Status.Get("mp3_generated"); ok {
		t.Fatalf("absent dependent flag must stay absent")
	}

	remote, _ := st.Get(ctx, 3)
	if !remote.Status.IsTrue("wav_generated") {
		t.Fatalf("other host's artifact must not be touched")
	}

	again, err := checker.Check(ctx, models.ArtifactWAV)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if again.Flagged != 0 || again.Checked != 2 {
		t.Fatalf("second sweep should be clean, got %+v", again)
	}
}

func TestCheckerDetectsChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	loc := NewLocator("host-a", t.TempDir(), nil)
	path := loc.Path(models.ArtifactMP3, "0000000001.mp3")
	writeFile(t, path, "original")
	rec, _ := loc.Describe(path)
	writeFile(t, path, "replaced")

	item := models.ContentItem{
		Status:    models.StatusFlags{"funfact_created": true, "wav_generated": true, "mp3_generated": true},
		Artifacts: map[models.ArtifactKind]models.Artifact{models.ArtifactMP3: rec},
	}
	if err := st.Create(ctx, &item); err != nil {
		t.Fatalf("create: %v", err)
	}
	sum, err := NewChecker(st, pipeline.Default(), loc, nil).Check(ctx, models.ArtifactMP3)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if sum.Flagged != 1 || sum.Updated != 1 {
		t.Fatalf("expected mismatch to be flagged, got %+v", sum)
	}
}

// regeneratingStore rewrites the artifact record after the sweep has listed it.
type regeneratingStore struct {
	*store.Store
	fresh models.Artifact
	done  bool
}

func (s *regeneratingStore) ListBatch(ctx context.Context, p store.Predicate, afterID int64, limit int) ([]models.ContentItem, error) {
	batch, err := s.Store.ListBatch(ctx, p, afterID, limit)
	if err != nil || s.done || len(batch) == 0 {
		return batch, err
	}
	s.done = true
	_, err = s.Store.Update(ctx, batch[0].ID, func(item *models.ContentItem) error {
		item.RecordArtifact(models.ArtifactWAV, s.fresh)
		return nil
	})
	return batch, err
}

func TestCheckerSkipsArtifactRegeneratedDuringSweep(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	loc := NewLocator("host-a", t.TempDir(), nil)

	item := models.ContentItem{
		Status: models.StatusFlags{"funfact_created": true, "wav_generated": true, "mp3_generated": true},
		Artifacts: map[models.ArtifactKind]models.Artifact{
			models.ArtifactWAV: {Filename: "0000000001.wav", Hostname: "host-a", SHA256: "stale", Size: 4},
		},
	}
	if err := st.Create(ctx, &item); err != nil {
		t.Fatalf("create: %v", err)
	}

	fresh := models.Artifact{Filename: "0000000001.wav", Hostname: "host-a", SHA256: "fresh", Size: 8}
	checker := NewChecker(&regeneratingStore{Store: st, fresh: fresh}, pipeline.Default(), loc, nil)
	sum, err := checker.Check(ctx, models.ArtifactWAV)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if sum.Flagged != 1 || sum.Updated != 0 {
		t.Fatalf("expected flagged but untouched, got %+v", sum)
	}

	got, _ := st.Get(ctx, item.ID)
	if !got.Status.IsTrue("wav_generated") || !got.Status.IsTrue("mp3_generated") {
		t.Fatalf("regenerated work must keep its flags, got %v", got.Status)
	}
	if rec, _ := got.ArtifactFor(models.ArtifactWAV); rec.SHA256 != "fresh" {
		t.Fatalf("fresh record was cleared: %+v", rec)
	}
}

func TestCheckerLogsOneSummary(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	loc := NewLocator("host-a", t.TempDir(), nil)
	item := models.ContentItem{
		ID:        1,
		Status:    models.StatusFlags{"funfact_created": true, "wav_generated": true},
		Artifacts: map[models.ArtifactKind]models.Artifact{models.ArtifactWAV: {Filename: "0000000001.wav", Hostname: "host-a"}},
	}
	if err := st.Create(ctx, &item); err != nil {
		t.Fatalf("create: %v", err)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	checker := NewChecker(st, pipeline.Default(), loc, zap.New(core))
	if _, err := checker.Check(ctx, models.ArtifactWAV); err != nil {
		t.Fatalf("check: %v", err)
	}
	finished := logs.FilterMessage("consistency check finished").AllUntimed()
	if len(finished) != 1 {
		t.Fatalf("summary logged %d times, want 1", len(finished))
	}
	if got := finished[0].ContextMap()["updated"]; got != int64(1) {
		t.Fatalf("updated field = %v, want 1", got)
	}
}
