package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"wheelauth/internal/config"
	"wheelauth/internal/storage/mongodb"
)

func main() {
	var configPath, migrationsPath, backend string
	flag.StringVar(&configPath, "config", "", "path to config file (or use CONFIG_PATH env)")
	flag.StringVar(&migrationsPath, "migrations", "migrations", "path to migrations directory")
	flag.StringVar(&backend, "backend", "", "override storage backend (sqlite|mongo)")
	flag.Parse()

	cfg := loadConfig(configPath)
	if backend == "" {
		backend = cfg.Storage.Backend
	}

	switch backend {
	case "sqlite", "":
		migrateSQLite(cfg.Storage.SQLitePath, migrationsPath)
	case "mongo":
		initMongoIndexes(cfg)
	default:
		log.Fatalf("unknown backend: %q", backend)
	}
}

func loadConfig(path string) *config.Config {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		log.Fatal("config path is required (--config or CONFIG_PATH)")
	}
	return config.MustLoadPath(path)
}

func migrateSQLite(storagePath, migrationsPath string) {
	m, err := migrate.New(
		"file://"+migrationsPath,
		fmt.Sprintf("sqlite3://%s", storagePath),
	)
	if err != nil {
		log.Fatalf("failed to init migrator: %v", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("no migrations to apply")
			return
		}
		log.Fatalf("failed to apply migrations: %v", err)
	}

	log.Println("migrations applied successfully")
}

func initMongoIndexes(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Println("connecting to MongoDB...")

	storage, err := mongodb.New(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDB)
	if err != nil {
		log.Fatalf("failed to connect to mongodb: %v", err)
	}
	defer storage.Close(ctx)

	log.Println("MongoDB connected, indexes created successfully")
}
