package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/fluxloop/cmd/fluxloop/cmds"
	"github.com/go-go-golems/fluxloop/cmd/fluxloop/cmds/configcmd"
	"github.com/go-go-golems/fluxloop/cmd/fluxloop/cmds/synccmd"
	"github.com/go-go-golems/fluxloop/cmd/fluxloop/cmds/turnscmd"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	// registers examples.echo:run and friends
	_ "github.com/go-go-golems/fluxloop/pkg/target/examples"
)

var rootCmd = &cobra.Command{
	Use:   "fluxloop",
	Short: "fluxloop runs agent experiments and synchronizes them with the coordination service",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger because we can now parse --log-level and co
		return logging.InitLoggerFromCobra(cmd)
	},
	SilenceUsage: true,
}

func main() {
	cobra.CheckErr(clay.InitGlazed("fluxloop", rootCmd))

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	cobra.CheckErr(cmds.AddToRootCommand(rootCmd))
	synccmd.AddToRootCommand(rootCmd)
	configcmd.AddToRootCommand(rootCmd)
	turnscmd.AddToRootCommand(rootCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
