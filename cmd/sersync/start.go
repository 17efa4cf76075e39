package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	localcmd "github.com/sersync-go/sersync/cmd"
	"github.com/sersync-go/sersync/pkg/bidirectional"
	"github.com/sersync-go/sersync/pkg/conflict"
	"github.com/sersync-go/sersync/pkg/config"
	"github.com/sersync-go/sersync/pkg/engine"
	"github.com/sersync-go/sersync/pkg/logging"
	"github.com/sersync-go/sersync/pkg/metadata"
	"github.com/sersync-go/sersync/pkg/watch"
)

var startCommand = &cobra.Command{
	Use:   "start",
	Short: "Start watching the configured directory and replicating changes",
	Args:  localcmd.DisallowArguments,
	Run:   localcmd.Mainify(runStart),
}

func runStart(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.RootLogger

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return err
	}

	for _, remote := range cfg.Remotes {
		if !remote.Enabled || remote.Mode != config.ModeTwoway {
			continue
		}
		coord, localFeed, err := buildCoordinator(cfg, remote, logger)
		if err != nil {
			return err
		}
		eng.AddCoordinator(coord, localFeed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	logger.Printf("sersync started, watching %s", cfg.WatchedRoot)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, localcmd.TerminationSignals...)

	statusTicker := time.NewTicker(30 * time.Second)
	defer statusTicker.Stop()

	printer := &localcmd.StatusLinePrinter{}
	defer printer.BreakIfNonEmpty()

	for {
		select {
		case <-sigCh:
			logger.Printf("received termination signal, shutting down")
			eng.Stop()
			return nil
		case <-statusTicker.C:
			printer.Print(eng.Stats().String())
		}
	}
}

// localFeedCapacity bounds the local-event tee channel between the engine's
// dispatch pipeline and a coordinator; the engine drops a tee rather than
// block dispatch when a coordinator falls behind (see Engine.fanOut).
const localFeedCapacity = 256

// buildCoordinator wires a bidirectional.Coordinator for a twoway remote.
// The local event stream is a tee of the same stream the unidirectional
// dispatcher consumes (spec.md §4.10): runStart registers the returned
// channel with the engine via AddCoordinator so every coalesced event also
// reaches this coordinator's buffer. The remote event ingress and the peer
// reconciler implementation are delivered by an out-of-band mechanism
// (spec.md §4.10) that this module doesn't implement; both are left as
// nil-safe no-ops until a concrete transport is configured, so a twoway
// remote degrades to conflict-free periodic full reconciliation rather
// than failing to start.
func buildCoordinator(cfg *config.Config, remote config.RemoteConfig, logger *logging.Logger) (*bidirectional.Coordinator, chan watch.Event, error) {
	store, err := metadata.Open(cfg.WatchedRoot, remote.Name, cfg.Bidirectional.MetadataBaseDir, logger)
	if err != nil {
		return nil, nil, err
	}

	tolerance := time.Duration(cfg.Bidirectional.TimeTolerance) * time.Second
	detector := conflict.NewDetector(true, tolerance)
	resolver := conflict.NewResolver(store.ConflictsDir(), nil, logger)

	localFeed := make(chan watch.Event, localFeedCapacity)

	coord := bidirectional.New(
		remote,
		cfg.WatchedRoot,
		store,
		detector,
		resolver,
		noopReconciler{},
		noopDataSource{},
		localFeed,
		nil, // remote event ingress: delivered by the external peer transport
		logger.Sublogger("bidirectional."+remote.Name),
	)
	return coord, localFeed, nil
}

type noopReconciler struct{}

func (noopReconciler) Reconcile(ctx context.Context, opts bidirectional.ReconcileOptions) error {
	return nil
}

type noopDataSource struct{}

func (noopDataSource) ReadLocal(path string) ([]byte, error)  { return nil, nil }
func (noopDataSource) ReadRemote(path string) ([]byte, error) { return nil, nil }
