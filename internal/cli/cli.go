package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"filmarchive/internal/config"
	"filmarchive/internal/pipeline"
	"filmarchive/internal/server"
	"filmarchive/internal/storage"
	"filmarchive/internal/tasks"
)

// Version is set at build time with -ldflags "-X filmarchive/internal/cli.Version=...".
var Version = "0.1.0-dev"

type storeOpener func(db config.Database) (*storage.Store, error)

// engineFactory builds the transcoder and metadata extractor for a run.
type engineFactory func(cfg *config.Config, log *slog.Logger) (pipeline.VariantProducer, pipeline.MetadataExtractor)

type toolProber interface {
	Probe() map[string]tasks.ToolStatus
}

type toolFactory func(log *slog.Logger) toolProber

type serverFunc func(ctx context.Context, srv *server.Server) error

type watchFunc func(ctx context.Context, p *pipeline.Pipeline) error

func defaultOpenStore(db config.Database) (*storage.Store, error) {
	return storage.Open(db.Driver, db.DSN)
}

func defaultEngine(cfg *config.Config, log *slog.Logger) (pipeline.VariantProducer, pipeline.MetadataExtractor) {
	tools := tasks.NewToolManager(log)
	reader, err := tasks.NewMetadataReader(cfg.Processing.MetadataReader)
	if err != nil {
		log.Warn("unknown metadata reader, using native", "reader", cfg.Processing.MetadataReader, "error", err)
	}
	return tasks.NewTranscoderManager(cfg.Processing, tools, log), tasks.NewExtractor(reader, log)
}

func defaultServe(ctx context.Context, srv *server.Server) error {
	return srv.Start(ctx)
}

// Root wires CLI commands to the pipeline and the store.
type Root struct {
	cfg *config.Config
	log *slog.Logger
	out io.Writer
	in  io.Reader

	openStore storeOpener
	newEngine engineFactory
	newTools  toolFactory
	serveFn   serverFunc
	watchFn   watchFunc
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Root{
		cfg:       cfg,
		log:       logger,
		out:       os.Stdout,
		in:        os.Stdin,
		openStore: defaultOpenStore,
		newEngine: defaultEngine,
		newTools: func(log *slog.Logger) toolProber {
			return tasks.NewToolManager(log)
		},
		serveFn: defaultServe,
	}
	r.watchFn = r.watchSources
	return r
}

// withStore opens the configured database for the duration of fn.
func (r *Root) withStore(fn func(store *storage.Store) error) error {
	store, err := r.openStore(r.cfg.Database)
	if err != nil {
		return fmt.Errorf("open database (%s): %w", r.cfg.Database.Driver, err)
	}
	defer store.Close()
	return fn(store)
}

func (r *Root) newPipeline(store *storage.Store) *pipeline.Pipeline {
	producer, extractor := r.newEngine(r.cfg, r.log)
	return pipeline.New(pipeline.NewRouter(r.cfg, store, producer, extractor, r.log), store, r.log)
}

// runJob executes job and prints its summary. A failed run is returned as
// an error so the process exits non-zero.
func (r *Root) runJob(ctx context.Context, store *storage.Store, job pipeline.Job) error {
	p := r.newPipeline(store)
	defer p.Close()
	res := p.Run(ctx, job)
	r.printStats(string(res.Job.Kind), res.Stats)
	if res.Error != nil {
		return fmt.Errorf("%s failed: %w", res.Job.Kind, res.Error)
	}
	return nil
}

func (r *Root) printStats(title string, stats map[string]any) {
	if len(stats) == 0 {
		return
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(r.out, "%s summary:\n", title)
	for _, k := range keys {
		fmt.Fprintf(r.out, "  %-16s %v\n", k+":", stats[k])
	}
}

// confirm asks a yes/no question on r.in. Anything but y/yes declines.
func (r *Root) confirm(question string) bool {
	fmt.Fprintf(r.out, "%s [y/N]: ", question)
	line, err := bufio.NewReader(r.in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// watchSources triggers a sync whenever a source mirror settles. Runs go
// through p, so they never overlap.
func (r *Root) watchSources(ctx context.Context, p *pipeline.Pipeline) error {
	sw, err := tasks.NewSourceWatcher(r.cfg.Watch.Debounce, r.log)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	watched := 0
	for _, src := range r.cfg.Library.Sources {
		// source dir, batch dirs, and photo dirs inside batches
		if err := sw.AddTree(src.Path, 2); err != nil {
			r.log.Warn("cannot watch source", "film_type", src.FilmType, "path", src.Path, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		sw.Close()
		return fmt.Errorf("no source directory could be watched")
	}
	r.log.Info("watching sources", "count", watched, "debounce", r.cfg.Watch.Debounce)
	return sw.Run(ctx, func(ctx context.Context) error {
		res := p.Run(ctx, pipeline.SyncJob(pipeline.SyncOptions{}))
		return res.Error
	})
}
