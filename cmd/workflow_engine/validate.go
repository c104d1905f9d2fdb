package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jonathan/workflow-engine/internal/graph"
	"github.com/jonathan/workflow-engine/internal/schemas"
	"github.com/spf13/cobra"
)

var validateCommand = &cobra.Command{
	Use:   "validate",
	Short: "Check a workflow graph file against the schema and the graph rules",
	RunE:  runValidateCmd,
}

var (
	validateGraphPath string
	validateJSON      bool
)

func init() {
	validateCommand.Flags().StringVarP(&validateGraphPath, "graph", "g", "", "Path to the workflow graph (.json, .yaml or .yml)")
	validateCommand.Flags().BoolVar(&validateJSON, "json", false, "Print the report as JSON")

	_ = validateCommand.MarkFlagRequired("graph")

	rootCmd.AddCommand(validateCommand)
}

// validationReport is the outcome of validating one graph file
type validationReport struct {
	Valid     bool     `json:"valid"`
	NodeCount int      `json:"node_count,omitempty"`
	Problems  []string `json:"problems,omitempty"`
}

// errValidationFailed makes the command exit non-zero after the report is printed
var errValidationFailed = errors.New("validation failed")

func runValidateCmd(cmd *cobra.Command, _ []string) error {
	report, err := validateGraph(validateGraphPath)
	if err != nil {
		return err
	}
	if err := printReport(cmd.OutOrStdout(), report, validateJSON); err != nil {
		return err
	}
	if !report.Valid {
		return errValidationFailed
	}
	return nil
}

// validateGraph collects schema and structural problems. I/O failures are returned as errors.
func validateGraph(path string) (validationReport, error) {
	if err := schemas.ValidateGraphFile(path); err != nil {
		var invalid *schemas.ValidationError
		if !errors.As(err, &invalid) {
			return validationReport{}, err
		}
		report := validationReport{}
		for _, fe := range invalid.Errors {
			report.Problems = append(report.Problems, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
		}
		return report, nil
	}

	g, err := graph.Load(path)
	if err != nil {
		return validationReport{Problems: []string{err.Error()}}, nil
	}
	if err := g.Validate(); err != nil {
		var invalid *graph.ValidationError
		if errors.As(err, &invalid) {
			return validationReport{Problems: invalid.Problems}, nil
		}
		return validationReport{}, err
	}
	return validationReport{Valid: true, NodeCount: len(g.Nodes)}, nil
}

//nolint:errcheck // writing to stdout; errors are not recoverable
func printReport(out io.Writer, report validationReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	if report.Valid {
		fmt.Fprintf(out, "✓ Graph is valid (%d nodes)\n", report.NodeCount)
		return nil
	}
	fmt.Fprintf(out, "✗ Graph is invalid:\n")
	for i, p := range report.Problems {
		fmt.Fprintf(out, "  %d. %s\n", i+1, p)
	}
	return nil
}
