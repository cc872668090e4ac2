package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/carrick-ai/ember/internal/api"
	"github.com/carrick-ai/ember/internal/layer"
	"github.com/carrick-ai/ember/internal/logger"
	"github.com/carrick-ai/ember/internal/weights"
)

func serveCmd() *cli.Command {
	cfg := LoadDefaults()

	var (
		bundlePath  string
		backendName string
		addr        string
		readTimeout time.Duration
		logLevel    string
		logFormat   string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "serve the session/generate HTTP API over a loaded model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name: "bundle", Aliases: []string{"b"},
				Usage: "path to the weights manifest YAML file", Destination: &bundlePath,
			},
			&cli.StringFlag{
				Name: "backend", Value: valueOr(cfg.Backend, "cpu"), Destination: &backendName,
			},
			&cli.StringFlag{
				Name: "addr", Usage: "listen address", Value: valueOr(cfg.ServerAddress, "127.0.0.1:8080"),
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name: "read-timeout", Value: 30 * time.Second, Destination: &readTimeout,
			},
			&cli.StringFlag{
				Name: "log-level", Value: valueOr(cfg.LogLevel, "info"), Destination: &logLevel,
			},
			&cli.StringFlag{
				Name: "log-format", Value: valueOr(cfg.LogFormat, "pretty"), Destination: &logFormat,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := newLogger(logFormat, logLevel)
			ctx = logger.WithContext(ctx, log)

			if bundlePath == "" {
				return cli.Exit("error: --bundle is required", 1)
			}

			bundle, err := weights.LoadManifest(bundlePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load manifest: %v", err), 1)
			}
			w, err := weights.LoadWeights(bundle)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: assemble weights: %v", err), 1)
			}

			backend, err := parseBackend(backendName)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			driver, err := layer.NewDriver(bundle.Config, backend)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			server := api.NewServer(bundle.Config, w, driver, api.NewSessionStore())
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr, "backend", backend.String())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
