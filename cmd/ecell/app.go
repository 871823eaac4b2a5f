package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ecell-club/membership/internal/auth"
	"github.com/ecell-club/membership/internal/config"
	"github.com/ecell-club/membership/internal/dataclient"
	"github.com/ecell-club/membership/internal/kv"
	kvredis "github.com/ecell-club/membership/internal/kv/redis"
	kvsqlite "github.com/ecell-club/membership/internal/kv/sqlite"
	"github.com/ecell-club/membership/internal/models"
	"github.com/ecell-club/membership/internal/session"
	"github.com/ecell-club/membership/internal/storage"
	"github.com/ecell-club/membership/internal/storage/memory"
	"github.com/ecell-club/membership/internal/storage/postgres"
	storesqlite "github.com/ecell-club/membership/internal/storage/sqlite"
)

// keyAdminToken holds the data service bearer token between invocations.
const keyAdminToken = "admin_token"

// tokenHolder is implemented by data services that authenticate dashboard
// calls with a bearer token.
type tokenHolder interface {
	Token() string
	SetToken(token string)
}

type statusSetter interface {
	SetUserStatus(ctx context.Context, id string, status models.UserStatus) (models.User, error)
}

// app bundles what one invocation needs.
type app struct {
	opts      session.Options
	sessions  kv.Store
	data      storage.Service
	dashboard storage.Dashboard
	out       io.Writer
	logger    *slog.Logger
	closers   []func()
}

func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer) (*app, error) {
	a := &app{
		opts: session.Options{
			EmailDomain:     cfg.EmailDomain,
			VerifyPasswords: cfg.VerifyPasswords,
			Logger:          logger,
		},
		out:    out,
		logger: logger,
	}
	if err := a.openSessions(cfg); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openData(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openSessions(cfg config.Config) error {
	switch cfg.SessionBackend {
	case config.SessionRedis:
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.sessions = kvredis.NewStore(rdb, cfg.RedisPrefix, cfg.SessionTTL)
	case config.SessionMemory:
		a.sessions = kv.NewMemory()
	default:
		store, err := kvsqlite.Open(cfg.SessionPath)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		a.sessions = store
	}
	return nil
}

func (a *app) openData(ctx context.Context, cfg config.Config) error {
	hasher := auth.NewHasher(cfg.BcryptCost)
	switch cfg.ClientDataBackend() {
	case config.BackendHTTP:
		client := dataclient.New(cfg.DataURL, &http.Client{Timeout: cfg.RequestTimeout})
		a.data, a.dashboard = client, client
	case config.BackendPostgres:
		pg, err := postgres.NewStore(ctx, cfg.DatabaseURL, hasher)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if cfg.AdminPassword != "" {
			if err := pg.SeedAdmin(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword, models.AdminRole(cfg.AdminRole)); err != nil {
				return err
			}
		}
		a.data, a.dashboard = pg, pg
	case config.BackendSQLite:
		st, err := storesqlite.Open(cfg.DataPath, hasher)
		if err != nil {
			return fmt.Errorf("open member store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = st.Close() })
		if cfg.AdminPassword != "" {
			if err := st.SeedAdmin(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword, models.AdminRole(cfg.AdminRole)); err != nil {
				return err
			}
		}
		a.data, a.dashboard = st, st
	default:
		var seed []memory.SeedAdmin
		if cfg.AdminPassword != "" {
			seed = append(seed, memory.SeedAdmin{Username: cfg.AdminUsername, Email: cfg.AdminEmail, Password: cfg.AdminPassword, Role: models.AdminRole(cfg.AdminRole)})
		}
		mem, err := memory.New(seed, memory.WithHasher(hasher))
		if err != nil {
			return err
		}
		a.logger.Debug("using in-process mock data store; member data is not kept between runs")
		a.data, a.dashboard = mem, mem
	}
	return nil
}

// Close releases backends in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
