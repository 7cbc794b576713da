package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/spf13/cobra"
)

// AddToRootCommand registers test, run and run single.
func AddToRootCommand(root *cobra.Command) error {
	testCmd, err := NewTestCommand()
	if err != nil {
		return err
	}
	runCmd, err := NewRunCommand()
	if err != nil {
		return err
	}
	singleCmd, err := NewRunSingleCommand()
	if err != nil {
		return err
	}

	cobraTestCmd, err := cli.BuildCobraCommand(testCmd)
	if err != nil {
		return err
	}
	cobraRunCmd, err := cli.BuildCobraCommand(runCmd)
	if err != nil {
		return err
	}
	cobraSingleCmd, err := cli.BuildCobraCommand(singleCmd)
	if err != nil {
		return err
	}

	cobraRunCmd.AddCommand(cobraSingleCmd)
	root.AddCommand(cobraTestCmd, cobraRunCmd)
	return nil
}
