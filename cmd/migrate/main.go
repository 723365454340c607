package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/example/consentvault/internal/config"
	"github.com/example/consentvault/internal/logger"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
		dir     = flag.String("dir", "", "Migrations directory (defaults to MIGRATIONS_DIR)")
	)
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		zap.NewExample().Fatal("Config error", zap.Error(err))
	}
	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		zap.NewExample().Fatal("Logger error", zap.Error(err))
	}
	defer log.Sync()

	if cfg.DBAdapter != "postgres" {
		log.Fatal("Migrations only work with PostgreSQL", zap.String("adapter", cfg.DBAdapter))
	}

	migrationsDir := cfg.MigrationsDir
	if *dir != "" {
		migrationsDir = *dir
	}

	m, closeDB, err := openMigrator(migrationsDir, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("Cannot open migrator", zap.Error(err))
	}
	defer closeDB()

	switch *command {
	case "up":
		if err := run(m, true, *steps); err != nil {
			log.Fatal("Migration up failed", zap.Error(err))
		}
		fmt.Println("✓ Migrations applied successfully")
	case "down":
		if err := run(m, false, *steps); err != nil {
			log.Fatal("Migration down failed", zap.Error(err))
		}
		fmt.Println("✓ Migrations rolled back successfully")
	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			v, dirty, err = 0, false, nil
		}
		if err != nil {
			log.Fatal("Failed to get version", zap.Error(err))
		}
		if dirty {
			fmt.Printf("⚠ Database is in a dirty state (version %d)\n", v)
			closeDB()
			os.Exit(1)
		}
		fmt.Printf("Current migration version: %d\n", v)
	case "force":
		if *version == 0 {
			log.Fatal("Version required for force command (use -version flag)")
		}
		if err := m.Force(int(*version)); err != nil {
			log.Fatal("Force migration failed", zap.Error(err))
		}
		fmt.Printf("✓ Forced database to version %d\n", *version)
	default:
		log.Fatal("Unknown command (supported: up, down, version, force)", zap.String("command", *command))
	}
}

func openMigrator(migrationsDir, dsn string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, func() { db.Close() }, nil
}

func run(m *migrate.Migrate, up bool, steps int) error {
	var err error
	switch {
	case steps > 0 && up:
		err = m.Steps(steps)
	case steps > 0:
		err = m.Steps(-steps)
	case up:
		err = m.Up()
	default:
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
