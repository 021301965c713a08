// dtnoded runs one DTN store-and-forward node: it loads the engine
// tuning file, opens the segment store, binds the configured
// convergence-layer endpoints and drives the dispatcher until an OS
// signal asks it to drain and exit.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dtn "github.com/dtngo/node"
	"github.com/dtngo/node/internal/bitmap"
	"github.com/dtngo/node/pkg/bpv6"
	"github.com/dtngo/node/pkg/cla"
	_ "github.com/dtngo/node/pkg/cla/ltpcla"
	_ "github.com/dtngo/node/pkg/cla/memcla"
	_ "github.com/dtngo/node/pkg/cla/stcp"
	_ "github.com/dtngo/node/pkg/cla/tcpclv4"
	"github.com/dtngo/node/pkg/config"
	"github.com/dtngo/node/pkg/custody"
	"github.com/dtngo/node/pkg/dispatcher"
	"github.com/dtngo/node/pkg/observer"
	"github.com/dtngo/node/pkg/storage"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	var configPath string
	var metricsListen string
	var verbose bool

	root := &cobra.Command{
		Use:   "dtnoded",
		Short: "DTN store-and-forward node",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
			return run(cmd.Context(), configPath, metricsListen, logger)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "dtnoded.ini", "engine tuning file")
	root.Flags().StringVar(&metricsListen, "metrics-listen", "", "prometheus listen address, empty disables")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// recoveryParser rebuilds catalog metadata from a reassembled bundle
// during restart recovery: routing fields from the primary block, the
// custody id from the CTEB when one is present.
func recoveryParser(payload []byte) (dtn.EID, dtn.Priority, int64, uint64, bool, error) {
	meta, err := dispatcher.ParseMetadata(payload)
	if err != nil {
		return dtn.EID{}, 0, 0, 0, false, err
	}
	var custodyID uint64
	if meta.Custodial && meta.Version == 6 {
		if b, err := bpv6.Decode(payload); err == nil {
			if cteb, ok := bpv6.CTEBFromBundle(&b); ok {
				custodyID = cteb.CustodyID
			}
		}
	}
	return meta.Destination, meta.Priority, meta.ExpirationMs, custodyID, meta.Custodial, nil
}

func run(ctx context.Context, configPath, metricsListen string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	obs := observer.NewPrometheus(reg, logger)

	file, err := storage.OpenSegmentStore(cfg.Storage.StoreFiles, cfg.Storage.SegmentSize, logger)
	if err != nil {
		return fmt.Errorf("%w: open store files: %v", dtn.ErrConfig, err)
	}
	alloc := bitmap.New()
	catalog := storage.NewCatalog(logger)
	engine := storage.NewEngine(alloc, catalog, file, storage.Config{
		SegmentSize:      cfg.Storage.SegmentSize,
		ReservedSegments: cfg.Storage.ReservedSegments,
		Workers:          cfg.Storage.Workers,
	}, obs, logger)

	if cfg.Storage.RestoreFromDisk {
		if err := engine.Recover(recoveryParser); err != nil {
			logger.Warn("restart recovery incomplete", "error", err)
		}
		logger.Info("restart recovery finished", "bundles", catalog.Size())
	} else {
		if err := file.Truncate(); err != nil {
			return fmt.Errorf("%w: truncate store file: %v", dtn.ErrConfig, err)
		}
	}

	timers := custody.New(time.Duration(cfg.Custody.TimeoutMs)*time.Millisecond, logger)
	disp := dispatcher.New(dispatcher.Config{}, engine, timers, dtn.PassthroughMasker{}, obs, logger)

	// Configured outducts are standing contacts: without an external
	// scheduler feeding contact windows, each one is open for the life
	// of the process.
	var outducts []dtn.Outduct
	for _, duct := range cfg.Outducts {
		dest, err := dtn.ParseEID(duct.Destination)
		if err != nil {
			return err
		}
		out, err := cla.NewOutduct(duct.Type, duct.Endpoint, logger)
		if err != nil {
			return err
		}
		outducts = append(outducts, out)
		disp.OpenContact(dest, out)
		logger.Info("outduct up", "destination", dest, "type", duct.Type, "endpoint", duct.Endpoint)
	}

	var inducts []dtn.Induct
	for _, duct := range cfg.Inducts {
		in, err := cla.NewInduct(duct.Type, duct.Endpoint, logger)
		if err != nil {
			return err
		}
		inducts = append(inducts, in)
		logger.Info("induct up", "type", duct.Type, "endpoint", duct.Endpoint)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(ctx) })
	g.Go(func() error {
		obs.RunSnapshots(ctx, time.Minute)
		return nil
	})
	for _, in := range inducts {
		if err := in.Start(ctx, func(b []byte) {
			_ = disp.Accept(b)
		}); err != nil {
			return err
		}
	}
	if metricsListen != "" {
		srv := &http.Server{Addr: metricsListen, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	logger.Info("node running", "eid", cfg.Node.EID, "engine_id", cfg.Node.EngineID)
	err = g.Wait()

	var result *multierror.Error
	if err != nil && ctx.Err() == nil {
		result = multierror.Append(result, err)
	}
	for _, in := range inducts {
		if err := in.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, out := range outducts {
		if err := out.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := file.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if cfg.Storage.AutoDeleteOnExit {
		for _, path := range cfg.Storage.StoreFiles {
			if err := os.Remove(path); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	logger.Info("node stopped")
	return result.ErrorOrNil()
}
