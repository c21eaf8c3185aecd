package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/edforman-75/bentham-sub003/pkg/artifacts"
	"github.com/edforman-75/bentham-sub003/pkg/backend/httpjson"
	"github.com/edforman-75/bentham-sub003/pkg/config"
	"github.com/edforman-75/bentham-sub003/pkg/evidence"
	"github.com/edforman-75/bentham-sub003/pkg/observability"
	"github.com/edforman-75/bentham-sub003/pkg/pool"
	"github.com/edforman-75/bentham-sub003/pkg/store/checkpoint"
)

// subsystems are the long-lived dependencies shared by the commands.
type subsystems struct {
	cfg         *config.Config
	logger      *slog.Logger
	telemetry   *observability.Provider
	metrics     *observability.Metrics
	db          *sql.DB
	checkpoints checkpoint.Store
	redis       *checkpoint.RedisStore
	evidence    *evidence.Service
	closers     []func() error
}

func openSubsystems(ctx context.Context, configPath string, stderr io.Writer) (*subsystems, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := observability.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	s := &subsystems{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	telemetry := observability.DefaultConfig()
	telemetry.Enabled = cfg.Telemetry.Enabled
	telemetry.OTLPEndpoint = cfg.Telemetry.Endpoint
	telemetry.Insecure = cfg.Telemetry.Insecure
	telemetry.CAFile = cfg.Telemetry.CAFile
	telemetry.SampleRate = cfg.Telemetry.SampleRate
	if s.telemetry, err = observability.New(ctx, telemetry); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() error { return s.telemetry.Shutdown(context.Background()) })
	if s.metrics, err = s.telemetry.Metrics(); err != nil {
		return nil, err
	}

	if s.db, err = openDatabase(ctx, cfg, logger); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.db.Close)

	if err := s.openCheckpoints(ctx); err != nil {
		return nil, err
	}
	if err := s.openEvidence(ctx); err != nil {
		return nil, err
	}
	ok = true
	return s, nil
}

func (s *subsystems) openCheckpoints(ctx context.Context) error {
	switch s.cfg.Checkpoint.Backend {
	case "memory":
		s.checkpoints = checkpoint.NewMemoryStore()
	case "file":
		fs, err := checkpoint.NewFileStore(filepath.Join(s.cfg.DataDir, "checkpoints"))
		if err != nil {
			return err
		}
		s.checkpoints = fs
	case "sql":
		store := checkpoint.NewSQLStore(s.db)
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("failed to init checkpoint table: %w", err)
		}
		s.checkpoints = store
	case "redis":
		rs := checkpoint.NewRedisStore(s.cfg.Redis.Addr, s.cfg.Redis.Password, s.cfg.Redis.DB)
		s.closers = append(s.closers, rs.Close)
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", s.cfg.Redis.Addr, err)
		}
		s.checkpoints = rs
		s.redis = rs
	default:
		return fmt.Errorf("unknown checkpoint backend %q", s.cfg.Checkpoint.Backend)
	}
	return nil
}

func (s *subsystems) openEvidence(ctx context.Context) error {
	blobs, err := openBlobs(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("failed to open evidence storage: %w", err)
	}
	custody := evidence.NewSQLCustodyLog(s.db)
	if err := custody.Init(ctx); err != nil {
		return fmt.Errorf("failed to init custody table: %w", err)
	}

	svc := evidence.NewService(blobs, custody).
		WithRetention(evidence.RetentionPolicy{Days: s.cfg.Evidence.RetentionDays}).
		WithLogger(s.logger).
		WithMetrics(s.metrics)
	if key := s.cfg.Evidence.TimestampKey; key != "" {
		authority, err := evidence.NewJWTAuthority(s.cfg.Evidence.TimestampAuthority, []byte(key))
		if err != nil {
			return err
		}
		svc = svc.WithAuthority(authority)
	}
	s.evidence = svc
	return nil
}

// openBlobs keeps evidence next to the database in lite mode; any explicit
// ARTIFACT_STORAGE_TYPE goes through the artifacts factory.
func openBlobs(ctx context.Context, cfg *config.Config) (artifacts.Store, error) {
	if os.Getenv("ARTIFACT_STORAGE_TYPE") == "" {
		return artifacts.NewFileStore(filepath.Join(cfg.DataDir, "artifacts"))
	}
	return artifacts.NewStoreFromEnv(ctx)
}

// newPoolManager registers one httpjson adapter per configured endpoint.
func (s *subsystems) newPoolManager() (*pool.Manager, error) {
	pc := s.cfg.Pool
	m := pool.NewManager(pool.Config{
		CircuitBreakerThreshold: pc.BreakerThreshold,
		CircuitBreakerCooldown:  pc.BreakerCooldown,
		HalfOpenSuccesses:       pc.HalfOpenSuccesses,
		WindowSize:              pc.WindowSize,
		HealthyThreshold:        pc.HealthyThreshold,
		DegradedThreshold:       pc.DegradedThreshold,
		RoundRobin:              pc.RoundRobin,
	}).WithLogger(s.logger).WithMetrics(s.metrics)

	surfaces := make([]string, 0, len(s.cfg.Surfaces))
	for id := range s.cfg.Surfaces {
		surfaces = append(surfaces, id)
	}
	sort.Strings(surfaces)
	for _, id := range surfaces {
		for _, a := range s.cfg.Surfaces[id].Adapters {
			client, err := httpjson.NewClient(httpjson.Config{
				Endpoint: a.Endpoint,
				Timeout:  a.Timeout,
				Headers:  a.Headers,
			})
			if err != nil {
				_ = m.Close()
				return nil, fmt.Errorf("surface %s adapter %s: %w", id, a.ID, err)
			}
			if err := m.Register(id, a.ID, client, a.Priority); err != nil {
				_ = m.Close()
				return nil, err
			}
		}
	}
	return m, nil
}

func (s *subsystems) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
