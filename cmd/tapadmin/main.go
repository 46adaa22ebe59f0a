// Command tapadmin runs operator tasks against the tapflow store: schema
// setup, tap configuration, session and stats regeneration and repair.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/septivank/tapflow-worker/internal/config"
	"github.com/septivank/tapflow-worker/internal/db"
	"github.com/septivank/tapflow-worker/internal/logging"
	"github.com/septivank/tapflow-worker/internal/recorder"
	"github.com/septivank/tapflow-worker/internal/repository"
	"github.com/septivank/tapflow-worker/internal/service"
	"github.com/septivank/tapflow-worker/internal/session"
	"github.com/septivank/tapflow-worker/internal/stats"
	"github.com/septivank/tapflow-worker/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const usage = `usage: tapadmin <command> [flags]

commands:
  init-schema      create tables if missing
  set-tap          configure a tap (-tap, -name, -keg, -ml-per-tick)
  regen-sessions   rebuild every drinking session from pours
  regen-stats      rebuild stat mappings (-kind user|keg|session, empty for all)
  repair           finish pending pours and rebuild stale stats (-limit)
`

// storage is the backing store plus the pool when running on postgres
type storage struct {
	fx.Out

	Store repository.Store
	Pool  *pgxpool.Pool
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	if err := godotenv.Load(); err == nil {
		fmt.Println("Loaded environment from .env")
	}

	var (
		logger    *zap.Logger
		store     repository.Store
		pool      *pgxpool.Pool
		committer *service.Committer
	)
	app := fx.New(
		fx.NopLogger,
		fx.Provide(
			config.LoadAdmin,
			func(cfg *config.Config) (*zap.Logger, error) {
				return logging.NewLogger(cfg.ServiceName + "-admin")
			},
			func(cfg *config.Config) (*snowflake.Node, error) {
				return snowflake.NewNode(cfg.NodeID)
			},
			provideStorage,
			func(logger *zap.Logger) *stats.Engine {
				return stats.NewEngine(logger)
			},
			provideCommitter,
		),
		fx.Populate(&logger, &store, &pool, &committer),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintln(os.Stderr, "failed to start:", err)
		os.Exit(1)
	}

	err := run(context.Background(), command, args, logger, store, pool, committer)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if stopErr := app.Stop(stopCtx); stopErr != nil {
		fmt.Fprintln(os.Stderr, "error stopping app:", stopErr)
	}
	if err != nil {
		logger.Error("command failed", zap.String("command", command), zap.Error(err))
		os.Exit(1)
	}
}

func run(
	ctx context.Context,
	command string,
	args []string,
	logger *zap.Logger,
	store repository.Store,
	pool *pgxpool.Pool,
	committer *service.Committer,
) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)

	switch command {
	case "init-schema":
		if err := fs.Parse(args); err != nil {
			return err
		}
		if pool == nil {
			return fmt.Errorf("init-schema needs DATABASE_DRIVER=postgres")
		}
		if err := db.ApplySchema(ctx, pool); err != nil {
			return err
		}
		logger.Info("schema applied")

	case "set-tap":
		tapID := fs.String("tap", "", "Tap id")
		name := fs.String("name", "", "Display name")
		kegID := fs.Int64("keg", 0, "Active keg id, 0 for none")
		mlPerTick := fs.Float64("ml-per-tick", 0, "Meter calibration, 0 for the default")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *tapID == "" {
			return fmt.Errorf("-tap is required")
		}
		tap := &db.Tap{ID: *tapID, Name: *name, MlPerTick: *mlPerTick}
		if *kegID > 0 {
			tap.KegID = kegID
		}
		if err := store.PutTap(ctx, tap); err != nil {
			return err
		}
		logger.Info("tap configured",
			zap.String("tap_id", tap.ID),
			zap.Int64p("keg_id", tap.KegID),
			zap.Float64("ml_per_tick", tap.MlPerTick),
		)

	case "regen-sessions":
		if err := fs.Parse(args); err != nil {
			return err
		}
		report, err := committer.RegenerateSessions(ctx)
		if err != nil {
			return err
		}
		logger.Info("sessions regenerated",
			zap.Int("sessions", report.Sessions),
			zap.Int("subjects", report.Subjects),
		)

	case "regen-stats":
		kind := fs.String("kind", "", "Subject kind: user, keg or session; empty for all")
		if err := fs.Parse(args); err != nil {
			return err
		}
		report, err := committer.RegenerateStats(ctx, db.SubjectKind(*kind))
		if err != nil {
			return err
		}
		logger.Info("stats regenerated",
			zap.String("kind", *kind),
			zap.Int("subjects", report.Subjects),
		)

	case "repair":
		limit := fs.Int("limit", 500, "Maximum pending pours to repair")
		if err := fs.Parse(args); err != nil {
			return err
		}
		report, err := committer.Repair(ctx, *limit)
		if err != nil {
			return err
		}
		logger.Info("repair finished",
			zap.Int("pours", report.Pours),
			zap.Int("subjects", report.Subjects),
			zap.Int("failed", report.Failed),
		)

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

func provideStorage(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (storage, error) {
	if cfg.Database.Driver == config.StorageMemory {
		logger.Warn("using in-memory storage, changes are discarded on exit")
		return storage{Store: repository.NewMemoryStore()}, nil
	}
	pool, err := db.NewPool(lc, logger, cfg.Database.URL)
	if err != nil {
		return storage{}, err
	}
	return storage{Store: repository.NewPostgresStore(pool), Pool: pool}, nil
}

func provideCommitter(
	cfg *config.Config,
	node *snowflake.Node,
	store repository.Store,
	engine *stats.Engine,
	logger *zap.Logger,
) *service.Committer {
	return service.NewCommitter(service.CommitterDeps{
		Store:    store,
		Recorder: recorder.New(validator.NewValidator(cfg.Pour.MaxTicks), node, cfg.Pour.DefaultMlPerTick),
		Grouper:  session.NewGrouper(cfg.Session.IdleGap, session.Scope(cfg.Session.Scope), node),
		Engine:   engine,
		Logger:   logger,
	})
}
