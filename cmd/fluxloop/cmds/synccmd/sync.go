package synccmd

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize bundles and results with the coordination service",
}

var criteriaCmd = &cobra.Command{
	Use:   "criteria",
	Short: "Inspect pulled evaluation criteria",
}

func AddToRootCommand(root *cobra.Command) {
	pullCmd, err := NewPullCommand()
	cobra.CheckErr(err)
	uploadCmd, err := NewUploadCommand()
	cobra.CheckErr(err)
	showCmd, err := NewCriteriaShowCommand()
	cobra.CheckErr(err)

	cobraPullCmd, err := cli.BuildCobraCommand(pullCmd)
	cobra.CheckErr(err)
	cobraUploadCmd, err := cli.BuildCobraCommand(uploadCmd)
	cobra.CheckErr(err)
	cobraShowCmd, err := cli.BuildCobraCommand(showCmd)
	cobra.CheckErr(err)

	syncCmd.AddCommand(cobraPullCmd)
	syncCmd.AddCommand(cobraUploadCmd)
	criteriaCmd.AddCommand(cobraShowCmd)

	root.AddCommand(syncCmd)
	root.AddCommand(criteriaCmd)
}
