package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/viper"

	"gitdone/internal/chain"
	"gitdone/internal/config"
	"gitdone/internal/db"
	"gitdone/internal/engine"
	"gitdone/internal/evidence"
	"gitdone/internal/migrate"
	"gitdone/internal/notify"
	"gitdone/internal/tokens"
)

// Runtime is an engine wired to the backends named in the workspace config, plus the
// resources it owns.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    *engine.Engine
	Logger    *slog.Logger

	closers []func() error
}

// LoadConfig reads gitdone.yml from workspace and overlays GITDONE_* settings from v.
func LoadConfig(workspace string, v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if v != nil {
		cfg.ApplyEnv(v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open migrates the workspace database and builds the engine. The caller must Close the
// runtime; Close drains queued notifications.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Workspace: workspace, Config: cfg, DB: conn, Logger: logger}
	rt.closers = append(rt.closers, conn.Close)
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	opts := engine.Options{Logger: logger}
	if opts.TokenStore, err = rt.tokenStore(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	if opts.Evidence, err = rt.evidenceStore(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	if opts.Notifier, err = rt.notifier(); err != nil {
		rt.Close()
		return nil, err
	}
	opts.Chain = rt.chainStore()

	rt.Engine = engine.New(conn, cfg, opts)
	// Timers stop before the notifier drains and the database closes.
	rt.closers = append(rt.closers, func() error { rt.Engine.Close(); return nil })
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Runtime) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.Workspace, p)
}

func (r *Runtime) tokenStore(ctx context.Context) (tokens.Store, error) {
	switch r.Config.Tokens.Backend {
	case "redis":
		rc := r.Config.Tokens.Redis
		store := tokens.NewRedisStore(rc.Addr, rc.Password, rc.DB)
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("redis token store: %w", err)
		}
		r.closers = append(r.closers, store.Close)
		return store, nil
	case "memory":
		return tokens.NewMemoryStore(), nil
	default:
		return nil, nil
	}
}

func (r *Runtime) evidenceStore(ctx context.Context) (evidence.Store, error) {
	if r.Config.Evidence.Backend == "s3" {
		s3c := r.Config.Evidence.S3
		return evidence.NewS3(ctx, evidence.S3Config{
			Bucket:   s3c.Bucket,
			Region:   s3c.Region,
			Endpoint: s3c.Endpoint,
			Prefix:   s3c.Prefix,
		})
	}
	return evidence.Local{Dir: r.path(r.Config.Evidence.Dir)}, nil
}

func (r *Runtime) notifier() (notify.Notifier, error) {
	var t notify.Transport = notify.Log{Logger: r.Logger}
	if r.Config.Notify.Backend == "nats" {
		n, err := notify.NewNATS(r.Config.Notify.NATSURL, r.Config.Notify.Subject)
		if err != nil {
			return nil, fmt.Errorf("nats notifier: %w", err)
		}
		r.closers = append(r.closers, n.Close)
		t = n
	}
	d := notify.NewDispatcher(t, r.Config.Notify.Workers, r.Config.Notify.Queue, r.Logger)
	r.closers = append(r.closers, func() error { d.Close(); return nil })
	return d, nil
}

func (r *Runtime) chainStore() chain.Store {
	if r.Config.Chain.Backend == "git" {
		return chain.NewGit(r.path(r.Config.Chain.Dir))
	}
	return chain.Noop{}
}
