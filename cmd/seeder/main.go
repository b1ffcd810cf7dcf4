//cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/db"
	"github.com/unclebandit/smsleopard-dispatch/internal/logging"
	"github.com/unclebandit/smsleopard-dispatch/migrations"
)

func main() {
	cfg, _ := config.Load()
	log, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database unavailable", zap.Error(err))
	}
	defer conn.Close()

	if err := migrate(ctx, conn, log); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	if os.Getenv("SKIP_SEED") != "" {
		return
	}
	seedDir := os.Getenv("SEED_DIR")
	if seedDir == "" {
		seedDir = "seed"
	}
	seedFiles := []string{
		filepath.Join(seedDir, "customers.sql"),
		filepath.Join(seedDir, "campaigns.sql"),
	}

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatal("failed to read seed file", zap.String("file", file), zap.Error(err))
		}

		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			log.Fatal("failed to execute seed file", zap.String("file", file), zap.Error(err))
		}
		log.Info("seeded", zap.String("file", file))
	}

	log.Info("database seeding completed")
}

func migrate(ctx context.Context, conn *sql.DB, log *zap.Logger) error {
	names, err := migrations.Names()
	if err != nil {
		return err
	}
	for _, name := range names {
		body, err := fs.ReadFile(migrations.FS(), name)
		if err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		log.Info("applied migration", zap.String("file", name))
	}
	return nil
}
