package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"modelforge/internal/common/fsutil"
	"modelforge/internal/ledger"
	"modelforge/internal/registry"
)

func (a *app) openStore() (*registry.Store, error) {
	return registry.Open(a.cfg.StoreDir)
}

func (a *app) ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect artifact ledgers",
	}

	var asJSON bool
	show := &cobra.Command{
		Use:     "show <model-id>",
		Short:   "Print the transformation history of an artifact",
		Example: "  modelforge ledger show qwen2.5-coder-1.5b-instruct-q4_k_m\n  modelforge ledger show sqlcoder-q4 --json",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			doc, err := a.readLedger(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Header  ledger.Header   `json:"header"`
					Records []ledger.Record `json:"records"`
				}{doc.Header, doc.Records})
			}
			return ledger.Render(a.out, doc)
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "Print the ledger as JSON")

	verify := &cobra.Command{
		Use:   "verify <model-id>",
		Short: "Check the ledger invariants of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			doc, err := a.readLedger(args[0])
			if err != nil {
				return err
			}
			if err := doc.Verify(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "ledger %s: OK (%d records, kind %s)\n", args[0], len(doc.Records), doc.Kind())
			return nil
		},
	}

	cmd.AddCommand(show, verify)
	return cmd
}

func (a *app) readLedger(id string) (ledger.Document, error) {
	store, err := a.openStore()
	if err != nil {
		return ledger.Document{}, err
	}
	art, err := store.Lookup(id)
	if err != nil {
		return ledger.Document{}, err
	}
	return ledger.Read(art.Path)
}

func (a *app) modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Work with the artifact store",
	}
	var asJSON bool
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List artifacts with their kind and size",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			arts, err := store.List()
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(arts)
			}
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tSIZE\tRECORDS\tCREATED")
			for _, m := range arts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", m.ID, m.Kind, fsutil.HumanBytes(m.SizeBytes), m.Transformations, m.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print the list as JSON")
	cmd.AddCommand(list)
	return cmd
}
