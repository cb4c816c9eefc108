package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tdeslauriers/carapace/pkg/config"
	"github.com/tdeslauriers/derma/internal/media"
	"github.com/tdeslauriers/derma/internal/util"
)

func main() {

	// set logging to json format for application
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler).
		With(slog.String(util.ServiceKey, util.ServiceDerma)))

	// create a logger for the main package
	logger := slog.Default().
		With(slog.String(util.PackageKey, util.PackageMain)).
		With(slog.String(util.ComponentKey, util.ComponentMain))

	// pipeline tunables, optionally from a local .env file
	pc, err := media.LoadPipelineConfig(".env")
	if err != nil {
		logger.Error(fmt.Sprintf("failed to load %s pipeline config", util.ServiceDerma), "err", err.Error())
		os.Exit(1)
	}

	// service definition & requirements
	def := config.SvcDefinition{
		ServiceName: util.ServiceDerma,
		Tls:         config.MutualTls,
		Requires: config.Requires{
			Db:            pc.DbMode == media.DbModeMysql,
			ObjectStorage: pc.StorageUrl == "",
		},
	}

	cfg, err := config.Load(def)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to load %s media service config", util.ServiceDerma), "err", err.Error())
		os.Exit(1)
	}

	m, err := media.New(cfg, pc, nil)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to create %s media service", util.ServiceDerma), "err", err.Error())
		os.Exit(1)
	}

	defer m.CloseDb()
	defer m.Close()

	if err := m.Run(); err != nil {
		logger.Error(fmt.Sprintf("failed to run %s media service", util.ServiceDerma), "err", err.Error())
		os.Exit(1)
	}

	// block until the process is asked to stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info(fmt.Sprintf("shutting down %s media service", util.ServiceDerma))
}
