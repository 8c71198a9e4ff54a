package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/db"
	"github.com/lucasnoah/stagehand/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the output directory's state as a read-only JSON API",
	Long: `Start a read-only HTTP API over the output directory: manifest, usage,
checkpoints, the attempt journal and its analytics.

The server keeps running while a pipeline writes to the same directory, so
it can be used to watch a long run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		host, _ := cmd.Flags().GetString("host")

		layout, cfg, err := outputLayout()
		if err != nil {
			return err
		}
		log, err := newLogger(cmd, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		if err := layout.Ensure(); err != nil {
			return fmt.Errorf("prepare output directory: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := openStore(ctx, cfg, layout)
		if err != nil {
			return fmt.Errorf("open checkpoint store: %w", err)
		}
		defer store.Close()

		opts := web.Options{
			Host:    host,
			Port:    port,
			Version: version,
			Layout:  layout,
			Store:   store,
			Logger:  log,
		}
		if opts.Resume, err = resumeOptions(cfg); err != nil {
			return err
		}
		journal, err := db.OpenJournal(layout.JournalPath())
		if err != nil {
			log.Warn("run journal unavailable; journal endpoints disabled", zap.Error(err))
		} else {
			defer journal.Close()
			opts.Journal = journal
		}

		srv := web.New(opts)
		fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s\n", layout.Root(), srv.Addr())
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "127.0.0.1", "Interface to bind")
}
