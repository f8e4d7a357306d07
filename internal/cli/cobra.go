package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"filmarchive/internal/auth"
	"filmarchive/internal/config"
	"filmarchive/internal/pipeline"
	"filmarchive/internal/server"
	"filmarchive/internal/storage"
	"filmarchive/internal/web"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "filmarchive",
		Short: "filmarchive keeps a film scan library and its database in sync",
		Long: `filmarchive turns scanned film batches into web-sized variants, reads their
EXIF metadata and keeps the gallery database up to date.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(root.out)
	rootCmd.SetIn(root.in)

	rootCmd.AddCommand(newSyncCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newImportCmd(root))
	rootCmd.AddCommand(newCleanupCmd(root))
	rootCmd.AddCommand(newReloadCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newHashPasswordCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newSyncCmd(root *Root) *cobra.Command {
	var opts pipeline.SyncOptions

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Process new scans and update the database",
		Long: `Generate missing or outdated variants from the source mirrors, scan the
library, extract EXIF and reconcile every image into the database.

Examples:
  # Full update
  filmarchive sync

  # Database only, variants untouched
  filmarchive sync --skip-processing

  # Regenerate images flagged in the gallery
  filmarchive sync --reload-marked`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withStore(func(store *storage.Store) error {
				return root.runJob(cmd.Context(), store, pipeline.SyncJob(opts))
			})
		},
	}

	cmd.Flags().BoolVar(&opts.SkipProcessing, "skip-processing", false, "skip variant generation; only scan, extract and reconcile")
	cmd.Flags().BoolVar(&opts.ReloadMarked, "reload-marked", false, "force reprocessing of images flagged needs_reload, then clear the flags")
	cmd.Flags().StringVar(&opts.ExportPath, "export", "", "also write the scanned records to this JSON file")

	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the library and print what a sync would record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			producer, extractor := root.newEngine(root.cfg, root.log)
			syncer := pipeline.NewSyncer(root.cfg, nil, producer, extractor, root.log)
			records, st, err := syncer.Scan(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				data, err := pipeline.EncodeExport(records)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(root.out, string(data))
				return err
			}
			for _, rec := range records {
				fmt.Fprintf(root.out, "%-60s %-12s %s\n", rec.ImageID, rec.FilmStock, rec.CameraModel)
			}
			root.printStats("scan", map[string]any{
				"scanned":     st.Scanned,
				"no_exif":     st.NoExif,
				"exif_errors": st.ExifErrors,
			})
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as an export JSON document")
	return cmd
}

func newImportCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Insert images from an exported scan, keeping existing rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withStore(func(store *storage.Store) error {
				return root.runJob(cmd.Context(), store, pipeline.ImportJob(args[0]))
			})
		},
	}
}

func newCleanupCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "One-off database maintenance",
	}

	var removeDirs, yes bool
	sanitizeCmd := &cobra.Command{
		Use:   "sanitize",
		Short: "Rename or merge rows whose ids contain unsafe characters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withStore(func(store *storage.Store) error {
				ctx := cmd.Context()
				s := pipeline.NewSanitizer(store, root.cfg, root.log)
				rows, checked, err := s.Plan(ctx)
				if err != nil {
					return err
				}
				for _, row := range rows {
					fmt.Fprintf(root.out, "  %s -> %s\n", row.OldImageID, row.ImageID)
				}
				var stale []string
				if removeDirs {
					stale = s.StaleDirs()
					for _, dir := range stale {
						fmt.Fprintf(root.out, "  remove %s\n", dir)
					}
				}
				fmt.Fprintf(root.out, "%d of %d rows to sanitize, %d directories to remove\n", len(rows), checked, len(stale))
				if len(rows) == 0 && len(stale) == 0 {
					return nil
				}
				if !yes && !root.confirm("Apply these changes?") {
					fmt.Fprintln(root.out, "aborted")
					return nil
				}
				return root.runJob(ctx, store, pipeline.SanitizeJob(pipeline.SanitizeOptions{RemoveDirs: removeDirs}))
			})
		},
	}
	sanitizeCmd.Flags().BoolVar(&removeDirs, "remove-dirs", false, "also delete generated batch directories with unsanitized names")
	sanitizeCmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")

	var forksYes bool
	forksCmd := &cobra.Command{
		Use:   "forks",
		Short: "Delete rows imported from ._ resource fork files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withStore(func(store *storage.Store) error {
				ctx := cmd.Context()
				ids, err := pipeline.NewForkCleaner(store, root.log).Find(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintf(root.out, "  %s\n", id)
				}
				fmt.Fprintf(root.out, "%d resource fork rows found\n", len(ids))
				if len(ids) == 0 {
					return nil
				}
				if !forksYes && !root.confirm("Delete these rows?") {
					fmt.Fprintln(root.out, "aborted")
					return nil
				}
				return root.runJob(ctx, store, pipeline.ForksJob())
			})
		},
	}
	forksCmd.Flags().BoolVarP(&forksYes, "yes", "y", false, "do not ask for confirmation")

	cmd.AddCommand(sanitizeCmd, forksCmd)
	return cmd
}

func newReloadCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Manage needs_reload flags",
	}

	markCmd := &cobra.Command{
		Use:   "mark ID...",
		Short: "Flag images for reprocessing on the next sync --reload-marked",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withStore(func(store *storage.Store) error {
				var failed int
				for _, id := range args {
					if err := store.SetNeedsReload(cmd.Context(), id, true); err != nil {
						failed++
						root.log.Error("cannot mark image", "image_id", id, "error", err)
						continue
					}
					fmt.Fprintf(root.out, "marked %s\n", id)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d images not marked", failed, len(args))
				}
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear every needs_reload flag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withStore(func(store *storage.Store) error {
				n, err := store.ClearReloadFlags(cmd.Context(), nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(root.out, "cleared %d flags\n", n)
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List images flagged for reprocessing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withStore(func(store *storage.Store) error {
				marked, err := store.MarkedForReload(cmd.Context())
				if err != nil {
					return err
				}
				for _, img := range marked {
					fmt.Fprintln(root.out, img.ImageID)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(markCmd, clearCmd, listCmd)
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gallery HTTP API",
		Long: `Start the HTTP API used by the gallery front end. Mutations require a bearer
token obtained from /api/auth/login.

Examples:
  # API only
  filmarchive serve --addr :5000

  # API plus a sync whenever new scans land in the sources
  filmarchive serve --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				root.cfg.Server.Addr = addr
			}
			if len(root.cfg.Auth.Users) == 0 {
				root.log.Warn("no users configured; mutating endpoints will reject every request")
			}
			return root.withStore(func(store *storage.Store) error {
				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()

				sessions, err := auth.NewSessionStore(root.cfg.Auth.SessionStore, store)
				if err != nil {
					return err
				}
				hub := web.NewHub(root.log)
				go hub.Run(ctx)

				watchErr := make(chan error, 1)
				if watch {
					p := root.newPipeline(store)
					defer p.Close()
					go hub.Follow(ctx, p)
					go func() { watchErr <- root.watchFn(ctx, p) }()
				}

				srv := server.New(root.cfg, store, sessions, hub, root.log)
				serveErr := make(chan error, 1)
				go func() { serveErr <- root.serveFn(ctx, srv) }()

				select {
				case err := <-serveErr:
					return err
				case err := <-watchErr:
					cancel()
					<-serveErr
					if err != nil {
						return fmt.Errorf("watch: %w", err)
					}
					return nil
				}
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from server.addr)")
	cmd.Flags().BoolVar(&watch, "watch", false, "sync automatically when the source mirrors change")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync whenever the source mirrors change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withStore(func(store *storage.Store) error {
				p := root.newPipeline(store)
				defer p.Close()
				err := root.watchFn(cmd.Context(), p)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}
