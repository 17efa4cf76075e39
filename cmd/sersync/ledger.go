package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	localcmd "github.com/sersync-go/sersync/cmd"
	"github.com/sersync-go/sersync/pkg/ledger"
	"github.com/sersync-go/sersync/pkg/logging"
)

var ledgerCommand = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or run the failure ledger",
}

var ledgerRunCommand = &cobra.Command{
	Use:   "run",
	Short: "Execute one retry tick of the failure ledger immediately",
	Args:  localcmd.DisallowArguments,
	Run:   localcmd.Mainify(runLedgerRun),
}

var ledgerShowCommand = &cobra.Command{
	Use:   "show",
	Short: "Print the current contents of the failure ledger",
	Args:  localcmd.DisallowArguments,
	Run:   localcmd.Mainify(runLedgerShow),
}

func init() {
	ledgerCommand.AddCommand(ledgerRunCommand)
	ledgerCommand.AddCommand(ledgerShowCommand)
}

func runLedgerRun(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Ledger.Path == "" {
		return fmt.Errorf("no ledger path configured")
	}

	logger := logging.RootLogger
	l := ledger.New(cfg.Ledger.Path, logger)
	exec := ledger.NewExecutor(l, 0, logger)
	return exec.Tick(context.Background())
}

func runLedgerShow(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Ledger.Path == "" {
		return fmt.Errorf("no ledger path configured")
	}

	data, err := os.ReadFile(cfg.Ledger.Path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("(ledger is empty)")
			return nil
		}
		return err
	}
	fmt.Print(string(data))
	return nil
}
