package synccmd

import (
	"context"
	"fmt"
	"io"

	fluxcmds "github.com/go-go-golems/fluxloop/cmd/fluxloop/cmds"
	"github.com/go-go-golems/fluxloop/pkg/bundlesync"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
)

type PullCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*PullCommand)(nil)

func NewPullCommand() (*PullCommand, error) {
	wsSection, err := fluxcmds.NewWorkspaceSection()
	if err != nil {
		return nil, err
	}
	syncSection, err := bundlesync.NewSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"pull",
		cmds.WithShort("Pull the scenario's bundle: inputs, personas and criteria"),
		cmds.WithLong(`Fetch a bundle version from the coordination service and cache it in the
scenario: the inputs file with input_item_id metadata, personas, criteria and
.state/sync.json.`),
		cmds.WithSections(wsSection, syncSection),
	)
	return &PullCommand{CommandDescription: desc}, nil
}

func (c *PullCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	ws, wsSettings, err := fluxcmds.OpenWorkspace(parsed)
	if err != nil {
		return err
	}
	s := bundlesync.Settings{}
	if err := parsed.DecodeSectionInto(bundlesync.SectionSlug, &s); err != nil {
		return errors.Wrap(err, "decode sync settings")
	}
	client, err := bundlesync.NewClientFromSettings(s)
	if err != nil {
		return err
	}

	// the experiment file is optional here, it only names the inputs file
	inputsFile := ""
	if cfg, err := ws.LoadConfig(wsSettings.Config); err == nil {
		inputsFile = cfg.InputsFile
	}

	res, err := bundlesync.Pull(ctx, client, bundlesync.PullOptions{
		ScenarioDir:     ws.ScenarioDir,
		ProjectID:       firstNonEmpty(s.ProjectID, ws.State().ProjectID),
		BundleVersionID: s.BundleVersionID,
		InputsFile:      inputsFile,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "pulled bundle %s: %d inputs, %d personas, %d criteria -> %s\n",
		res.State.BundleVersionID, res.Inputs, res.Personas, res.Criteria, res.InputsPath)
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
