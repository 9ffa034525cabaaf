package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/your-org/eventfaces/internal/app"
	"github.com/your-org/eventfaces/internal/config"
	"github.com/your-org/eventfaces/internal/jobs"
	"github.com/your-org/eventfaces/internal/observability"
)

// backend is what the commands need from the deployment.
type backend struct {
	jobs      jobs.Store
	submitter *jobs.Submitter
	// purge is nil unless the command asked for the face index.
	purge func(ctx context.Context, eventID int64) (int, error)
	close func()
}

// openBackend connects to the configured backends. Tests replace it.
var openBackend = func(ctx context.Context, configPath string, withFaces bool) (*backend, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	a, err := app.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b := &backend{jobs: a.Store, submitter: a.Submitter(), close: a.Close}
	if withFaces {
		orch, err := a.Orchestrator()
		if err != nil {
			a.Close()
			return nil, err
		}
		b.purge = orch.Purge
	}
	return b, nil
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "facectl",
		Short: "Operate the event face-matching pipeline",
		Long: `facectl talks directly to the pipeline's job store, queue and face index.
It submits photo, selfie and deletion jobs, shows job status, resets jobs
left behind by a crashed worker and purges orphaned faces of an event.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "configs/config.yaml", "path to config file")

	root.AddCommand(
		newSubmitCmd(opts),
		newJobCmd(opts),
		newRecoverCmd(opts),
		newPurgeCmd(opts),
	)
	return root
}

func (o *rootOptions) open(cmd *cobra.Command, withFaces bool) (*backend, error) {
	return openBackend(cmd.Context(), o.configPath, withFaces)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
