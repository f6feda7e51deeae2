package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jf990/resource-proxy/internal/config"
	"github.com/jf990/resource-proxy/internal/engine"
	"github.com/jf990/resource-proxy/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "./resourceproxy.json", "configuration file path")
	tuningPath := flag.String("tuning", "", "optional YAML operational tuning override file")
	flag.Parse()

	data, err := os.ReadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resourceproxy: reading config %s: %v\n", *configPath, err)
		return 1
	}
	cfg, err := config.Load(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resourceproxy: compiling config %s: %v\n", *configPath, err)
		return 1
	}

	tuning := config.DefaultTuning()
	if *tuningPath != "" {
		tuningData, err := os.ReadFile(*tuningPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "resourceproxy: reading tuning file %s: %v\n", *tuningPath, err)
			return 1
		}
		tuning, err = config.LoadTuning(tuningData)
		if err != nil {
			fmt.Fprintf(os.Stderr, "resourceproxy: parsing tuning file %s: %v\n", *tuningPath, err)
			return 1
		}
	}

	logger, closeLog, err := logging.New(logging.Options{
		Level:     cfg.LogLevel,
		ToConsole: cfg.LogToConsole,
		FilePath:  cfg.LogFilePath,
		FileName:  cfg.LogFileName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "resourceproxy: opening log sink: %v\n", err)
		return 1
	}
	defer closeLog()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e := engine.NewWithTuning(cfg, logger, tuning)
	e.StartReaper()
	defer e.Stop()

	go e.WatchConfig(rootCtx, *configPath)

	if err := e.Serve(rootCtx); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return 1
	}
	return 0
}
