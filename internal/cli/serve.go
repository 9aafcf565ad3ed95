package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"modelforge/internal/bootstrap"
	"modelforge/internal/deploy"
	"modelforge/internal/errs"
	"modelforge/internal/ollama"
	"modelforge/pkg/types"
)

func (a *app) resolveEntries(servingConfig string) ([]types.ResolvedEntry, error) {
	if servingConfig == "" {
		return nil, errs.Validation("serving-config", "required")
	}
	cfg, err := deploy.LoadFile(servingConfig)
	if err != nil {
		return nil, err
	}
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return deploy.Resolve(cfg, store)
}

func (a *app) resolveCmd() *cobra.Command {
	var servingConfig string
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "resolve",
		Short:   "Validate a serving config and list the artifacts it enables",
		Example: "  modelforge resolve --serving-config models.json",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			entries, err := a.resolveEntries(servingConfig)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tQUANTIZATION\tPATH\tDESCRIPTION")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ModelID, dash(e.Quantization), e.ArtifactPath, e.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&servingConfig, "serving-config", "", "Serving config document (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print resolved entries as JSON")
	_ = cmd.MarkFlagRequired("serving-config")
	return cmd
}

func (a *app) bootstrapCmd() *cobra.Command {
	var servingConfig string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Register every enabled model of a serving config with the runtime",
		Long: "Resolves the serving config against the artifact store and registers each enabled model\n" +
			"that the runtime does not know yet. Entries are processed in order; a failing entry does\n" +
			"not stop the others. Running bootstrap again is a no-op for models already registered.",
		Example: "  modelforge bootstrap --serving-config models.json\n  modelforge bootstrap --serving-config models.json --runtime-url http://ollama:11434 --timeout 2m",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := a.resolveEntries(servingConfig)
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = a.cfg.RegisterTimeout()
			}
			client := ollama.New(a.cfg.RuntimeBaseURL(), a.cfg.ConnectTimeout())
			a.log.Info().Str("runtime", client.BaseURL()).Int("entries", len(entries)).Msg("bootstrap starting")
			rep := bootstrap.New(client, timeout, a.log).Run(cmd.Context(), entries)

			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tACTION\tDURATION\tERROR")
			for _, r := range rep.Results {
				msg := ""
				if r.Err != nil {
					msg = r.Err.Error()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ModelID, r.Status, r.Action, r.Duration.Round(time.Millisecond), msg)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if failed := rep.Failed(); len(failed) > 0 {
				return errs.Registration("bootstrap", fmt.Errorf("%d of %d entries failed: %w", len(failed), len(rep.Results), rep.Err()))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&servingConfig, "serving-config", "", "Serving config document (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-model registration timeout (default from config, 60s)")
	_ = cmd.MarkFlagRequired("serving-config")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// checkRuntime asks the runtime for its version within the connect timeout.
func (a *app) checkRuntime(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout())
	defer cancel()
	return ollama.New(a.cfg.RuntimeBaseURL(), a.cfg.ConnectTimeout()).Version(ctx)
}
