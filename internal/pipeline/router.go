package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"filmarchive/internal/config"
	"filmarchive/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	syncer    *Syncer
	sanitizer *Sanitizer
	forks     *ForkCleaner
	importer  *Importer
}

// NewRouter builds the Processor for every run kind.
func NewRouter(cfg *config.Config, store *storage.Store, producer VariantProducer, extractor MetadataExtractor, logger *slog.Logger) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		log:       logger,
		syncer:    NewSyncer(cfg, store, producer, extractor, logger),
		sanitizer: NewSanitizer(store, cfg, logger),
		forks:     NewForkCleaner(store, logger),
		importer:  NewImporter(store, cfg.Library, logger),
	}
}

// SyncJob builds a sync job from opts.
func SyncJob(opts SyncOptions) Job {
	return Job{Kind: KindSync, Options: opts.asMap()}
}

// SanitizeJob builds a sanitize cleanup job.
func SanitizeJob(opts SanitizeOptions) Job {
	return Job{Kind: KindSanitize, Options: map[string]any{"remove_dirs": opts.RemoveDirs}}
}

// ForksJob builds a resource-fork cleanup job.
func ForksJob() Job {
	return Job{Kind: KindForks, Options: map[string]any{}}
}

// ImportJob builds an import job for path.
func ImportJob(path string) Job {
	return Job{Kind: KindImport, Options: map[string]any{"path": path}}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Kind {
	case KindSync:
		return r.handleSync(ctx, job)
	case KindSanitize:
		st, err := r.sanitizer.Run(ctx, SanitizeOptions{RemoveDirs: boolOption(job.Options, "remove_dirs")})
		return Result{Job: job, Error: err, Stats: st.Map()}
	case KindForks:
		st, err := r.forks.Run(ctx)
		return Result{Job: job, Error: err, Stats: st.Map()}
	case KindImport:
		path := stringOption(job.Options, "path")
		if path == "" {
			return Result{Job: job, Error: errors.New("import requires a path")}
		}
		st, err := r.importer.Run(ctx, path)
		return Result{Job: job, Error: err, Stats: st.Map()}
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown run kind: %s", job.Kind)}
	}
}

func (r *router) handleSync(ctx context.Context, job Job) Result {
	opts := SyncOptions{
		SkipProcessing: boolOption(job.Options, "skip_processing"),
		ReloadMarked:   boolOption(job.Options, "reload_marked"),
		ExportPath:     stringOption(job.Options, "export"),
		RunID:          job.ID,
	}
	st, err := r.syncer.Run(ctx, opts)
	return Result{Job: job, Error: err, Stats: st.Map()}
}

func boolOption(opts map[string]any, key string) bool {
	v, _ := opts[key].(bool)
	return v
}

func stringOption(opts map[string]any, key string) string {
	v, _ := opts[key].(string)
	return v
}
