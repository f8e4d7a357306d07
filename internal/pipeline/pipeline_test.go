package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filmarchive/internal/logging"
	"filmarchive/internal/storage"
)

type stubProcessor struct {
	err   error
	stats map[string]any
}

func (s stubProcessor) Process(ctx context.Context, job Job) Result {
	return Result{Job: job, Error: s.err, Stats: s.stats}
}

func findRun(t *testing.T, store *storage.Store, id string) storage.RunRecord {
	t.Helper()
	runs, err := store.RecentRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	for _, r := range runs {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("run %s not recorded", id)
	return storage.RunRecord{}
}

func TestPipelineRecordsRuns(t *testing.T) {
	env := newTestEnv(t)
	p := New(stubProcessor{stats: map[string]any{"inserted": 3}}, env.store, logging.Discard())
	results, unsub := p.Subscribe()
	defer unsub()

	res := p.Run(context.Background(), Job{Kind: KindSync})
	if res.Error != nil || res.Job.ID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	select {
	case got := <-results:
		if got.Job.ID != res.Job.ID {
			t.Fatalf("subscriber got %s, want %s", got.Job.ID, res.Job.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("no result broadcast")
	}

	rec := findRun(t, env.store, res.Job.ID)
	if rec.Status != "completed" || rec.Kind != "sync" || rec.Stats["inserted"] != float64(3) || rec.CompletedAt == nil {
		t.Fatalf("unexpected run record %+v", rec)
	}

	failing := New(stubProcessor{err: errors.New("database unavailable")}, env.store, logging.Discard())
	if res := failing.Run(context.Background(), Job{ID: "run-2", Kind: KindForks}); res.Error == nil {
		t.Fatalf("expected the processor error")
	}
	rec = findRun(t, env.store, "run-2")
	if rec.Status != "failed" || rec.Error != "database unavailable" {
		t.Fatalf("unexpected failed record %+v", rec)
	}
}

func TestPipelineWithoutStore(t *testing.T) {
	p := New(stubProcessor{}, nil, logging.Discard())
	if res := p.Run(context.Background(), Job{Kind: KindSync}); res.Error != nil {
		t.Fatalf("unexpected error %v", res.Error)
	}
	ch, _ := p.Subscribe()
	p.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("close must release subscribers")
	}
}

func TestRouterRejectsBadJobs(t *testing.T) {
	env := newTestEnv(t)
	r := NewRouter(env.cfg, env.store, env.producer, nil, logging.Discard())
	if res := r.Process(context.Background(), Job{Kind: "bogus"}); res.Error == nil {
		t.Fatalf("unknown kind must fail")
	}
	if res := r.Process(context.Background(), Job{Kind: KindImport}); res.Error == nil {
		t.Fatalf("import without a path must fail")
	}
}

func upsert(t *testing.T, store *storage.Store, img storage.Image) {
	t.Helper()
	if _, err := store.UpsertImage(context.Background(), img); err != nil {
		t.Fatalf("upsert %s: %v", img.ImageID, err)
	}
}

func row(filmType, batch, base string) storage.Image {
	dir := "/opt/media/" + filmType + "/" + batch + "/" + base
	return storage.Image{
		ImageID:       filmType + "/" + batch + "/" + base,
		FilmType:      filmType,
		BatchInfo:     batch,
		FilenameBase:  base,
		ThumbnailPath: dir + "/600/" + base + ".jpg",
		HighresPath:   dir + "/2560/" + base + ".jpg",
	}
}

func TestSanitizerRenamesAndMerges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	upsert(t, env.store, row("rollfilm", "roll #1", "img 1"))
	upsert(t, env.store, row("rollfilm", "roll #2", "x"))
	upsert(t, env.store, row("rollfilm", "roll_n2", "x"))
	upsert(t, env.store, row("sheetfilm", "clean", "y"))

	for _, d := range []string{"roll #1", "roll_n1", ".trash #1"} {
		if err := os.MkdirAll(filepath.Join(env.cfg.Library.Root, "rollfilm", d), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	s := NewSanitizer(env.store, env.cfg, logging.Discard())
	st, err := s.Run(ctx, SanitizeOptions{RemoveDirs: true})
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if st.Checked != 4 || st.Renamed != 1 || st.Merged != 1 || st.Errors != 0 || st.DirsRemoved != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	img, err := env.store.GetImage(ctx, "rollfilm/roll_n1/img_1")
	if err != nil {
		t.Fatalf("renamed row missing: %v", err)
	}
	if img.BatchInfo != "roll_n1" || img.FilenameBase != "img_1" ||
		img.ThumbnailPath != "/opt/media/rollfilm/roll_n1/img_1/600/img_1.jpg" ||
		img.HighresPath != "/opt/media/rollfilm/roll_n1/img_1/2560/img_1.jpg" {
		t.Fatalf("unexpected renamed row %+v", img)
	}
	if _, err := env.store.GetImage(ctx, "rollfilm/roll #2/x"); !errors.Is(err, storage.ErrImageNotFound) {
		t.Fatalf("duplicate must be gone, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.Library.Root, "rollfilm", "roll #1")); !os.IsNotExist(err) {
		t.Fatalf("stale directory must be removed")
	}
	if _, err := os.Stat(filepath.Join(env.cfg.Library.Root, "rollfilm", ".trash #1")); err != nil {
		t.Fatalf("hidden directories must be left alone: %v", err)
	}

	st, err = s.Run(ctx, SanitizeOptions{})
	if err != nil || st.Renamed != 0 || st.Merged != 0 {
		t.Fatalf("second run must change nothing: %+v %v", st, err)
	}
}

func TestSanitizeVariantPath(t *testing.T) {
	got := sanitizeVariantPath("/opt/media/roll #1/rollfilm/roll #1/img 1/600/img 1.jpg", "roll #1", "roll_n1", "img 1", "img_1")
	if got != "/opt/media/roll #1/rollfilm/roll_n1/img_1/600/img_1.jpg" {
		t.Fatalf("unexpected path %s", got)
	}
	if got := sanitizeVariantPath("short", "a", "b", "c", "d"); got != "short" {
		t.Fatalf("short paths must pass through, got %s", got)
	}
}

func TestForkCleaner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	upsert(t, env.store, row("rollfilm", "b", "._x"))
	upsert(t, env.store, row("rollfilm", "._b", "y"))
	upsert(t, env.store, row("rollfilm", "b", "z"))
	upsert(t, env.store, row("rollfilm", "b", "under_._score"))

	st, err := NewForkCleaner(env.store, logging.Discard()).Run(ctx)
	if err != nil {
		t.Fatalf("forks: %v", err)
	}
	if st.Found != 2 || st.Deleted != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	left, err := env.store.AllImages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 {
		t.Fatalf("expected regular rows to remain, got %+v", left)
	}
}

func TestIsForkID(t *testing.T) {
	cases := map[string]bool{
		"rollfilm/b/._x":  true,
		"rollfilm/._b/x":  true,
		"rollfilm/b/x":    false,
		"rollfilm/b/a._x": false,
	}
	for id, want := range cases {
		if got := IsForkID(id); got != want {
			t.Errorf("IsForkID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestImportInsertsMissingOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	existing := row("rollfilm", "b", "kept")
	upsert(t, env.store, existing)
	if err := env.store.UpdateDescription(ctx, existing.ImageID, "keep me"); err != nil {
		t.Fatal(err)
	}

	lib := env.cfg.Library.Root
	fresh := storage.Image{
		ImageID:       "rollfilm/b/new",
		FilmType:      "rollfilm",
		BatchInfo:     "b",
		FilenameBase:  "new",
		FilmStock:     "Unknown",
		ThumbnailPath: lib + "/rollfilm/b/new/600/new.jpg",
		HighresPath:   lib + "/rollfilm/b/new/2560/new.jpg",
	}
	replaced := existing
	replaced.Description = "overwritten"
	path := filepath.Join(t.TempDir(), "image_data.json")
	if err := WriteExport(path, []storage.Image{fresh, replaced}); err != nil {
		t.Fatalf("write export: %v", err)
	}

	st, err := NewImporter(env.store, env.cfg.Library, logging.Discard()).Run(ctx, path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if st.Read != 2 || st.Inserted != 1 || st.Existing != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	img, err := env.store.GetImage(ctx, "rollfilm/b/new")
	if err != nil || img.ThumbnailPath != "/opt/media/rollfilm/b/new/600/new.jpg" {
		t.Fatalf("imported row must carry database paths: %+v %v", img, err)
	}
	kept, _ := env.store.GetImage(ctx, existing.ImageID)
	if kept.Description != "keep me" {
		t.Fatalf("existing row must not change, got %q", kept.Description)
	}
}
