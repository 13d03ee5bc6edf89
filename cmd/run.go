package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/ingest"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/pipeline"
)

var (
	runInput      string
	runDefinition string
	runOutput     string
	runSurvivors  bool
)

// runResult is the JSON document written by run and returned by the API.
type runResult struct {
	pipeline.Result
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

func newRunResult(id string, res pipeline.Result, survivorsOnly bool) runResult {
	out := runResult{Result: res, ID: id}
	if res.Error != nil {
		out.Error = res.Error.Error()
	}
	if survivorsOnly {
		kept := make([]model.Record, 0, len(res.Data))
		for i := range res.Data {
			if !res.Data[i].Tagged() {
				kept = append(kept, res.Data[i])
			}
		}
		out.Data = kept
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enrich a lead list (CSV, TSV or XLSX)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		def, err := loadDefinition(runDefinition)
		if err != nil {
			return err
		}

		leads, err := ingest.Read(ctx, runInput)
		if err != nil {
			return err
		}
		if len(leads.Records) == 0 {
			return eris.Errorf("run: %s has no records", runInput)
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Build(def)
		if err != nil {
			return err
		}

		run := p.NewRun(leads.Records, pipeline.Callbacks{
			OnProgress: func(stageID string, index, total int, percent float64) {
				zap.L().Debug("stage progress",
					zap.String("stage", stageID),
					zap.Int("step", index+1),
					zap.Int("steps", total),
					zap.Float64("percent", percent),
				)
			},
		})
		res := run.Execute(ctx)

		zap.L().Info("enrichment finished",
			zap.String("run_id", run.ID()),
			zap.String("status", string(res.Status)),
			zap.Int("original", res.Summary.OriginalCount),
			zap.Int("survivors", res.Summary.SurvivorCount),
			zap.Int64("token_units", res.Rollup.TokenUnits),
			zap.Int64("credit_units", res.Rollup.CreditUnits),
			zap.Float64("cost_usd", res.Rollup.CostUSD),
		)

		w := io.Writer(os.Stdout)
		if runOutput != "" && runOutput != "-" {
			f, err := os.Create(runOutput)
			if err != nil {
				return eris.Wrap(err, "run: create output")
			}
			defer f.Close() //nolint:errcheck
			w = f
		}
		if err := writeJSON(w, newRunResult(run.ID(), res, runSurvivors)); err != nil {
			return eris.Wrap(err, "run: write output")
		}

		if res.Status == model.RunStatusError {
			return eris.Wrap(res.Error, "pipeline run")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "lead list path (.csv, .tsv or .xlsx)")
	runCmd.Flags().StringVar(&runDefinition, "definition", "", "pipeline definition YAML (default: every stage)")
	runCmd.Flags().StringVar(&runOutput, "output", "-", "output JSON path, - for stdout")
	runCmd.Flags().BoolVar(&runSurvivors, "survivors-only", false, "omit tagged records from the output")
	_ = runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}
