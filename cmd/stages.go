package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/enrich-cli/internal/pipeline"
	"github.com/sells-group/enrich-cli/internal/stages"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the stages a pipeline definition can reference",
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Factories only touch their clients when a stage is built.
		reg := pipeline.NewRegistry()
		if err := stages.Register(reg, stages.Deps{}); err != nil {
			return err
		}
		formatStages(os.Stdout, reg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stagesCmd)
}

func formatStages(out io.Writer, reg *pipeline.Registry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDESCRIPTION")
	for _, id := range reg.IDs() {
		desc, _ := reg.Describe(id)
		_, _ = fmt.Fprintf(w, "%s\t%s\n", id, desc)
	}
	_ = w.Flush()
}
