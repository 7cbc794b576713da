package turnscmd

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/spf13/cobra"
)

// DefaultTurnDB is the turn index path used when --turn-db is not given.
const DefaultTurnDB = ".fluxloop/turns.db"

var turnsCmd = &cobra.Command{
	Use:   "turns",
	Short: "Inspect recorded turns",
	Long:  "Read-only tools over the SQLite turn index and the Redis turn stream.",
}

func AddToRootCommand(root *cobra.Command) {
	listCmd, err := NewTurnsListCommand()
	cobra.CheckErr(err)
	statsCmd, err := NewTurnsStatsCommand()
	cobra.CheckErr(err)
	tailCmd, err := NewTurnsTailCommand()
	cobra.CheckErr(err)

	cobraListCmd, err := cli.BuildCobraCommand(listCmd)
	cobra.CheckErr(err)
	cobraStatsCmd, err := cli.BuildCobraCommand(statsCmd)
	cobra.CheckErr(err)
	cobraTailCmd, err := cli.BuildCobraCommand(tailCmd)
	cobra.CheckErr(err)

	turnsCmd.AddCommand(cobraListCmd)
	turnsCmd.AddCommand(cobraStatsCmd)
	turnsCmd.AddCommand(cobraTailCmd)

	root.AddCommand(turnsCmd)
}
