package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/yang-jaeyoung/workerbridge/worker"
)

// echoworker is a demo worker for exercising a bridge by hand. It echoes its
// params back and can sleep to simulate slow operations.
func main() {
	app := &cli.App{
		Name:  "echoworker",
		Usage: "a demo bridge worker that echoes calls back",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on. 0 binds an OS-assigned port.",
				Value: 0,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: func(ctx *cli.Context) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			if !ctx.Bool("debug") {
				logger = logger.WithOptions(zap.IncreaseLevel(zap.InfoLevel))
			}

			srv, err := worker.NewServer(
				worker.WithLogger(logger),
				worker.WithPort(ctx.Int("port")),
			)
			if err != nil {
				return fmt.Errorf("building server: %w", err)
			}

			srv.RegisterMethod("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
				return params, nil
			})
			srv.RegisterMethod("sleep", func(ctx context.Context, params json.RawMessage) (any, error) {
				var req struct {
					Millis int `json:"millis"`
				}
				if err := json.Unmarshal(params, &req); err != nil {
					return nil, fmt.Errorf("decoding params: %w", err)
				}
				select {
				case <-time.After(time.Duration(req.Millis) * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return map[string]any{"slept_ms": req.Millis}, nil
			})

			return srv.ListenAndServe(ctx.Context)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
