package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ecell-club/membership/internal/auth"
	"github.com/ecell-club/membership/internal/config"
	"github.com/ecell-club/membership/internal/models"
	"github.com/ecell-club/membership/internal/server"
	"github.com/ecell-club/membership/internal/storage"
	"github.com/ecell-club/membership/internal/storage/memory"
	postgres "github.com/ecell-club/membership/internal/storage/postgres"
	"github.com/ecell-club/membership/internal/storage/sqlite"
)

func main() {
	loadLocalEnv()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("init data store: %v", err)
	}
	defer closeStore()

	srv := server.New(cfg, store)

	go func() {
		log.Printf("E-Cell data service (%s backend) listening on %s", cfg.DataBackend, cfg.HTTPAddress())
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Printf("graceful shutdown error: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, func(), error) {
	hasher := auth.NewHasher(cfg.BcryptCost)
	role := models.AdminRole(cfg.AdminRole)

	switch cfg.DataBackend {
	case config.BackendPostgres:
		pg, err := postgres.NewStore(ctx, cfg.DatabaseURL, hasher)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AdminPassword != "" {
			if err := pg.SeedAdmin(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword, role); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		return pg, pg.Close, nil
	case config.BackendSQLite:
		st, err := sqlite.Open(cfg.DataPath, hasher)
		if err != nil {
			return nil, nil, err
		}
		closeStore := func() {
			if err := st.Close(); err != nil {
				log.Printf("close sqlite store: %v", err)
			}
		}
		if cfg.AdminPassword != "" {
			if err := st.SeedAdmin(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword, role); err != nil {
				closeStore()
				return nil, nil, err
			}
		}
		return st, closeStore, nil
	default:
		var seed []memory.SeedAdmin
		if cfg.AdminPassword != "" {
			seed = append(seed, memory.SeedAdmin{Username: cfg.AdminUsername, Email: cfg.AdminEmail, Password: cfg.AdminPassword, Role: role})
		} else {
			log.Println("ADMIN_PASSWORD not set; memory store has no admin accounts")
		}
		mem, err := memory.New(seed, memory.WithHasher(hasher))
		if err != nil {
			return nil, nil, err
		}
		return mem, func() {}, nil
	}
}

func loadLocalEnv() {
	if err := config.LoadDotEnv(); err != nil {
		log.Println("no .env file found; relying on existing environment")
	}
}
