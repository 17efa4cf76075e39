package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	localcmd "github.com/sersync-go/sersync/cmd"
	"github.com/sersync-go/sersync/pkg/dispatch"
	"github.com/sersync-go/sersync/pkg/logging"
)

var syncCommand = &cobra.Command{
	Use:   "sync",
	Short: "Run a single full-directory synchronization against every enabled remote",
	Args:  localcmd.DisallowArguments,
	Run:   localcmd.Mainify(runSync),
}

func runSync(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.RootLogger
	d := dispatch.New(cfg, logger, nil)

	outcome := d.DispatchFull(context.Background(), cfg.Scheduler.Excludes)
	for _, r := range outcome.PerRemote {
		status := "ok"
		if !r.Outcome.Success {
			status = "failed"
		}
		fmt.Printf("%s: %s (exit %d)\n", r.Remote, status, r.Outcome.ExitCode)
	}

	if !outcome.AllSuccess {
		return fmt.Errorf("full sync did not succeed on every remote")
	}
	return nil
}
