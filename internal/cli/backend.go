package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/lucasnoah/stagehand/internal/checkpoint"
	"github.com/lucasnoah/stagehand/internal/checkpoint/pgstore"
	"github.com/lucasnoah/stagehand/internal/checkpoint/redisstore"
	"github.com/lucasnoah/stagehand/internal/checkpoint/s3store"
	"github.com/lucasnoah/stagehand/internal/checkpoint/sqlitestore"
	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/pipeline"
)

// openStore builds the checkpoint store selected by the config. A nil cfg
// means the file backend under layout.
func openStore(ctx context.Context, cfg *config.PipelineConfig, layout pipeline.Layout) (checkpoint.Store, error) {
	if cfg == nil {
		return checkpoint.NewFileStore(layout.CheckpointDir()), nil
	}
	c := cfg.Pipeline.Checkpoint
	switch c.Backend {
	case "", "file":
		return checkpoint.NewFileStore(layout.CheckpointDir()), nil
	case "sqlite":
		path := c.Path
		if path == "" {
			path = filepath.Join(layout.Root(), "checkpoints.db")
		}
		if err := layout.Ensure(); err != nil {
			return nil, fmt.Errorf("prepare output directory: %w", err)
		}
		return sqlitestore.New(ctx, sqlitestore.Options{Path: path})
	case "postgres":
		return pgstore.New(ctx, pgstore.Options{ConnString: c.DSN, Namespace: c.Namespace})
	case "redis":
		return redisstore.New(redisstore.Options{
			Addr:      c.Addr,
			Password:  c.Password,
			DB:        c.DB,
			Prefix:    c.Prefix,
			Namespace: c.Namespace,
		}), nil
	case "s3":
		prefix := c.Prefix
		if prefix == "" {
			prefix = c.Namespace
		}
		return s3store.New(ctx, s3store.Config{
			Bucket:         c.Bucket,
			Prefix:         prefix,
			Region:         c.Region,
			Endpoint:       c.Endpoint,
			Profile:        c.Profile,
			ForcePathStyle: c.PathStyle,
		})
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", c.Backend)
}
