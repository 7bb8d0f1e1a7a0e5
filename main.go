package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/hashicorp/go-hclog"

	"vpclient/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	conf, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to load config: %s\n", err)
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "vpclient",
		Level: hclog.LevelFromString(conf.LogLevel),
	})

	app, err := server.NewApp(conf, logger)
	if err != nil {
		logger.Error("unable to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    conf.ListenAddr,
		Handler: app.Routes(),
	}

	// handle ctrl-c while serving
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt)
	defer signal.Stop(sigintCh)

	srvCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", conf.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvCh <- err
		}
	}()

	select {
	case err := <-srvCh:
		logger.Error("server closed", "error", err)
		os.Exit(1)
	case <-sigintCh:
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}
}
