// Command snapguest is the runtime agent inside snapshot-capable Firecracker
// microVMs. It signals boot convergence on every vCPU through the VMM's
// debug port, mounts the workload filesystem, loads the workload handler,
// signals readiness and then answers host requests one at a time until the
// host channel closes.
//
// Build with: CGO_ENABLED=1 GOOS=linux go build -o snapguest ./cmd/snapguest
// (plugin handlers need cgo; process handlers do not).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/snapguest/internal/api"
	"github.com/seantiz/snapguest/internal/config"
	"github.com/seantiz/snapguest/internal/dispatch"
	"github.com/seantiz/snapguest/internal/guest"
	"github.com/seantiz/snapguest/internal/handler"
	"github.com/seantiz/snapguest/internal/portio"
	"github.com/seantiz/snapguest/internal/transport"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		var fatal *guest.FatalError
		if errors.As(err, &fatal) {
			logger.Error("agent failed", "stage", fatal.Stage, "error", fatal.Err)
		} else {
			logger.Error("agent failed", "error", err)
		}
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	guest.SetupInit(logger)

	emitter, closeEmitter, err := openEmitter(cfg.PortDevice, logger)
	if err != nil {
		return err
	}
	defer closeEmitter()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := guest.New(guest.Config{
		Emitter:  emitter,
		SkipBoot: cfg.SkipBoot,
		Mount: func(context.Context) error {
			return guest.MountApp(cfg.MountOptions())
		},
		Load: func(context.Context) (handler.Handler, error) {
			return handler.Load(cfg.HandlerOptions(), logger)
		},
		Open: func(ctx context.Context) (guest.Transport, error) {
			tr, err := transport.Open(ctx, cfg.TransportOptions())
			if err != nil {
				return nil, err
			}
			return tr, nil
		},
		Dispatch: dispatch.Options{
			Instrument: cfg.Instrument,
			Timeout:    cfg.HandlerTimeout,
		},
	}, logger)

	logger.Info("snapguest starting",
		"transport", cfg.Transport,
		"handler", cfg.Handler,
		"handler_path", cfg.HandlerPath,
		"app_root", cfg.AppRoot,
		"config", cfg.ConfigPath,
	)

	if cfg.StatusAddr == "" {
		return agent.Run(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	statusCtx, stopStatus := context.WithCancel(gctx)
	defer stopStatus()

	g.Go(func() error {
		defer stopStatus()
		return agent.Run(gctx)
	})
	g.Go(func() error {
		// The status server is auxiliary; its failure never stops serving.
		if err := api.NewServer(cfg.StatusAddr, agent, logger).Run(statusCtx); err != nil {
			logger.Error("status server failed", "error", err)
		}
		return nil
	})
	return g.Wait()
}

// openEmitter opens the port device, or falls back to logging signals when
// no device is configured.
func openEmitter(path string, logger *slog.Logger) (portio.Emitter, func(), error) {
	if path == "" {
		logger.Warn("no port device configured, port signals are only logged")
		return portio.Logging(logger), func() {}, nil
	}
	dev, err := portio.OpenDevPort(path)
	if err != nil {
		return nil, nil, err
	}
	return dev, func() { dev.Close() }, nil
}
