package synccmd

import (
	"context"
	"fmt"
	"io"

	fluxcmds "github.com/go-go-golems/fluxloop/cmd/fluxloop/cmds"
	"github.com/go-go-golems/fluxloop/pkg/bundlesync"
	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
)

type UploadCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*UploadCommand)(nil)

type UploadSettings struct {
	ExperimentDir string `glazed:"experiment-dir"`
}

func NewUploadCommand() (*UploadCommand, error) {
	wsSection, err := fluxcmds.NewWorkspaceSection()
	if err != nil {
		return nil, err
	}
	syncSection, err := bundlesync.NewSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"upload",
		cmds.WithShort("Upload the runs, turns and artifacts of an experiment"),
		cmds.WithFlags(
			fields.New("experiment-dir", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Experiment output directory (default: the most recent one)")),
		),
		cmds.WithSections(wsSection, syncSection),
	)
	return &UploadCommand{CommandDescription: desc}, nil
}

func (c *UploadCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	ws, wsSettings, err := fluxcmds.OpenWorkspace(parsed)
	if err != nil {
		return err
	}
	s := &UploadSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "decode upload settings")
	}
	syncSettings := bundlesync.Settings{}
	if err := parsed.DecodeSectionInto(bundlesync.SectionSlug, &syncSettings); err != nil {
		return errors.Wrap(err, "decode sync settings")
	}
	cfg, err := ws.LoadConfig(wsSettings.Config)
	if err != nil {
		return err
	}

	expDir := s.ExperimentDir
	if expDir == "" {
		expDir, err = bundlesync.LatestExperimentDir(ws.OutputBase(cfg))
		if err != nil {
			return err
		}
	} else {
		expDir = config.ResolveIn(ws.ScenarioDir, expDir)
	}

	client, err := bundlesync.NewClientFromSettings(syncSettings)
	if err != nil {
		return err
	}
	res, err := bundlesync.Upload(ctx, client, bundlesync.UploadOptions{
		ScenarioDir:     ws.ScenarioDir,
		ExperimentDir:   expDir,
		InputsPath:      ws.InputsPath(cfg),
		BundleVersionID: syncSettings.BundleVersionID,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, res.String())
	return err
}
