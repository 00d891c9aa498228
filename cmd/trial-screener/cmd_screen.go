package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/trial-screening-engine/internal/domain"
	"github.com/trial-screening-engine/internal/knowledge"
	"github.com/trial-screening-engine/internal/setup"
)

type screenOptions struct {
	trialID     string
	patientFile string
	criteriaDir string
	corpus      string
	output      string
}

func newScreenCmd(root *rootOptions) *cobra.Command {
	opts := &screenOptions{}
	cmd := &cobra.Command{
		Use:   "screen",
		Short: "Screen one patient against one trial",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScreen(cmd, root, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.trialID, "trial", "", "Trial id; criteria are read from <criteria-dir>/<trial>.{yaml,toml,json} (required)")
	f.StringVar(&opts.patientFile, "patient", "", "Patient profile JSON file, or - for stdin (required)")
	f.StringVar(&opts.criteriaDir, "criteria-dir", "criteria", "Directory of trial criteria files")
	f.StringVar(&opts.corpus, "corpus", "", "Knowledge corpus (.json or .jsonl); overrides knowledge.corpus_path")
	f.StringVarP(&opts.output, "output", "o", "text", "Output format: text, json")

	_ = cmd.MarkFlagRequired("trial")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

func readPatient(path string, stdin io.Reader) (*domain.PatientProfile, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open patient: %w", err)
		}
		defer f.Close()
		r = f
	}
	var patient domain.PatientProfile
	if err := json.NewDecoder(r).Decode(&patient); err != nil {
		return nil, fmt.Errorf("decode patient: %w", err)
	}
	return &patient, nil
}

func runScreen(cmd *cobra.Command, root *rootOptions, opts *screenOptions) error {
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format %q", opts.output)
	}
	overrides := map[string]interface{}{}
	if opts.corpus != "" {
		overrides["knowledge.corpus_path"] = opts.corpus
	}
	cfg, logger, err := root.loadConfig(overrides)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	patient, err := readPatient(opts.patientFile, cmd.InOrStdin())
	if err != nil {
		return err
	}

	source, closeCriteria, err := setup.OpenCriteria(ctx, cfg, opts.criteriaDir, logger)
	if err != nil {
		return err
	}
	defer closeCriteria()

	trial, err := source.Load(ctx, opts.trialID)
	if err != nil {
		return fmt.Errorf("load criteria: %w", err)
	}

	index, embedder, err := setup.BuildIndex(cfg, knowledge.HistoryDocuments(patient.PatientID, patient.History))
	if err != nil {
		return fmt.Errorf("build knowledge index: %w", err)
	}

	store, err := setup.OpenAuditStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	svc, err := setup.NewService(cfg, index, embedder, store, logger)
	if err != nil {
		return err
	}

	result := svc.Screen(ctx, patient, trial)
	if err := writeResult(cmd.OutOrStdout(), opts.output, result); err != nil {
		return err
	}
	if result.Err != nil && len(result.Assessments) == 0 {
		return result.Err
	}
	if result.Err != nil {
		logger.WithError(result.Err).Warn("Screening finished with errors")
	}
	return nil
}

func writeResult(w io.Writer, format string, result domain.ScreeningResult) error {
	if format == "json" {
		return writeJSON(w, result)
	}
	if result.Narrative == "" {
		if result.Err == nil {
			return errors.New("screening produced no narrative")
		}
		fmt.Fprintf(w, "Decision: %s (no assessment)\n", result.Decision)
		return nil
	}
	fmt.Fprintln(w, result.Narrative)
	if result.AuditRecordID != "" {
		fmt.Fprintf(w, "\nAudit record: %s\n", result.AuditRecordID)
	}
	return nil
}
