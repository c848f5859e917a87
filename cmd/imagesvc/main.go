package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mkrupp/imgqueue/internal/infra/config"
	"github.com/mkrupp/imgqueue/internal/infra/logging"
	"github.com/mkrupp/imgqueue/internal/repo/imagestore"
	"github.com/mkrupp/imgqueue/internal/repo/stats"
	"github.com/mkrupp/imgqueue/internal/svc/uploadsvc"
)

const (
	appName = "demo"
	svcName = "imagesvc"
)

type Config struct {
	config.EnvConfig

	Log    logging.LoggerConfig              `envPrefix:"LOG_"`
	Upload uploadsvc.Config                  `envPrefix:"UPLOAD_"`
	Stats  stats.SQLiteStatsRepositoryConfig `envPrefix:"STATS_"`
}

func main() {
	var (
		cfg Config
		ctx = context.Background()

		configPrefix = strings.ToUpper(strings.Join([]string{appName, svcName}, "_"))
		loggerName   = strings.ToLower(strings.Join([]string{appName, svcName}, "."))
	)

	if err := config.Parse(ctx, &cfg, configPrefix); err != nil {
		panic(err)
	}

	logging.Configure(ctx, cfg.Log, loggerName)

	if err := run(ctx, cfg, configPrefix, loggerName); err != nil {
		panic(err)
	}
}

// run drives the server through one or more SIGHUP restart cycles: each
// iteration re-ensures storage directories, rebinds a fresh priority queue
// and Supervisor to the current Config, and serves until ListenAndServe
// returns. A uploadsvc.ErrReloadRequested result means SIGHUP fired config
// is re-read from the environment and logging reconfigured before the next
// iteration rebuilds the server, mirroring the original daemon's
// stop_server/load_config/create_directories/init_server/start_server
// cycle. The Stats Ledger's SQLite connection is opened once and survives
// every restart: it holds durable history, not reload-sensitive state.
func run(ctx context.Context, cfg Config, configPrefix, loggerName string) (err error) {
	defer func() {
		log := logging.GetLogger("cmd.imagesvc")

		if err != nil {
			log.ErrorContext(ctx, "error", "err", err)
			panic(err)
		}

		log.InfoContext(ctx, "shutdown")
	}()

	statsRepo, err := stats.SQLiteStatsRepositoryFactory(cfg.Stats)()
	if err != nil {
		return fmt.Errorf("new stats repository: %w", err)
	}
	defer statsRepo.Close()

	for {
		if err := ensureDirs(
			cfg.Upload.TempPath,
			cfg.Upload.ProcessedPath,
			cfg.Upload.RedPath,
			cfg.Upload.GreenPath,
			cfg.Upload.BluePath,
		); err != nil {
			return fmt.Errorf("ensure storage dirs: %w", err)
		}

		store := imagestore.New()
		queue := uploadsvc.NewPriorityQueue()
		state := uploadsvc.NewState(cfg.Upload, queue, store, statsRepo)

		handler := uploadsvc.NewConnectionHandler(state)
		worker := uploadsvc.NewWorker(state)
		supervisor := uploadsvc.NewSupervisor(state, handler, worker)

		serveErr := supervisor.ListenAndServe(ctx)
		if !errors.Is(serveErr, uploadsvc.ErrReloadRequested) {
			if serveErr != nil {
				return fmt.Errorf("listen and serve: %w", serveErr)
			}

			return nil
		}

		var reloaded Config

		if err := config.Parse(ctx, &reloaded, configPrefix); err != nil {
			return fmt.Errorf("reload config: %w", err)
		}

		logging.Configure(ctx, reloaded.Log, loggerName)
		logging.GetLogger("cmd.imagesvc").InfoContext(ctx, "configuration reloaded, restarting server", logging.Group("server",
			"port", reloaded.Upload.Port,
		))

		cfg = reloaded
	}
}

func ensureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	return nil
}
