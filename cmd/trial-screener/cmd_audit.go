package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/trial-screening-engine/internal/audit"
	"github.com/trial-screening-engine/internal/domain"
	"github.com/trial-screening-engine/internal/setup"
)

func newAuditCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect, export and import screening audit records",
	}
	cmd.AddCommand(newAuditListCmd(root))
	cmd.AddCommand(newAuditShowCmd(root))
	cmd.AddCommand(newAuditExportCmd(root))
	cmd.AddCommand(newAuditImportCmd(root))
	return cmd
}

func openStore(cmd *cobra.Command, root *rootOptions) (audit.Store, error) {
	cfg, logger, err := root.loadConfig(nil)
	if err != nil {
		return nil, err
	}
	return setup.OpenAuditStore(cmd.Context(), cfg, logger)
}

func newAuditListCmd(root *rootOptions) *cobra.Command {
	var filter domain.AuditFilter
	var decision string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit records, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if decision != "" {
				filter.Decision = domain.Decision(decision)
			}
			store, err := openStore(cmd, root)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			total, err := store.Count(cmd.Context(), filter)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tTRIAL\tPATIENT\tDECISION\tSCORE\tCOMPLETION")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.3f\t%s\n",
					r.ID, r.CreatedAt.Format(time.RFC3339), r.TrialID, r.PatientID,
					r.Decision, r.Confidence.Score, r.Completion)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d records\n", len(records), total)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.TrialID, "trial", "", "Filter by trial id")
	f.StringVar(&filter.PatientID, "patient", "", "Filter by patient id")
	f.StringVar(&decision, "decision", "", "Filter by decision: ELIGIBLE, INELIGIBLE, UNCERTAIN")
	f.IntVar(&filter.Limit, "limit", 50, "Maximum records to list")
	f.IntVar(&filter.Offset, "offset", 0, "Records to skip")
	return cmd
}

func newAuditShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <record-id>",
		Short: "Print one audit record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, root)
			if err != nil {
				return err
			}
			defer store.Close()

			record, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), record)
		},
	}
}

func newAuditExportCmd(root *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every audit record as one JSON document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd, root)
			if err != nil {
				return err
			}
			defer store.Close()

			if out == "" || out == "-" {
				return store.ExportJSON(cmd.Context(), cmd.OutOrStdout())
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create export: %w", err)
			}
			if err := store.ExportJSON(cmd.Context(), f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVar(&out, "out", "-", "Output file, - for stdout")
	return cmd
}

func newAuditImportCmd(root *rootOptions) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import records from an export, skipping ids already present",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(in)
			if err != nil {
				return fmt.Errorf("open import: %w", err)
			}
			defer f.Close()

			store, err := openStore(cmd, root)
			if err != nil {
				return err
			}
			defer store.Close()

			imported, skipped, err := store.ImportJSON(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d, skipped %d\n", imported, skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "Export file to import (required)")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}
