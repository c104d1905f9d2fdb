package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonathan/workflow-engine/internal/engine"
	"github.com/jonathan/workflow-engine/internal/observability"
	"github.com/jonathan/workflow-engine/internal/schedule"
	"github.com/spf13/cobra"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Execute a workflow graph end-to-end",
	Long: `Executes every node of a workflow graph in dependency order and prints the run result as JSON.

Configuration can be loaded from a JSON or YAML file using --config. Command-line arguments override config file values.`,
	RunE: runWorkflowCmd,
}

var (
	runFlags       commonFlags
	runGraphPath   string
	runLanguage    string
	runOutput      string
	runSchemaCheck bool
)

func init() {
	addConfigFlags(runCommand, &runFlags)
	addExecFlags(runCommand, &runFlags)

	runCommand.Flags().StringVarP(&runGraphPath, "graph", "g", "", "Path to the workflow graph (.json, .yaml or .yml)")
	runCommand.Flags().StringVarP(&runLanguage, "language", "l", "", "Output language for generated text (default: English)")
	runCommand.Flags().StringVarP(&runOutput, "output", "o", "", "Write the run result JSON to this file instead of stdout")
	runCommand.Flags().BoolVar(&runSchemaCheck, "schema-check", true, "Validate the graph file against the JSON Schema before running")

	_ = runCommand.MarkFlagRequired("graph")

	rootCmd.AddCommand(runCommand)
}

func runWorkflowCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd, &runFlags)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	g, err := loadGraph(runGraphPath, runSchemaCheck)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ensureAccount(ctx); err != nil {
		return err
	}

	result, err := executeGraph(ctx, cmd.OutOrStdout(), a.engine, engine.Request{
		Graph:  g,
		UserID: cfg.UserID,
		Locale: runLanguage,
	}, cfg.Verbose)
	if err != nil {
		return err
	}

	if !result.Success {
		logger.Warn("run completed with failed nodes", "run_id", result.RunID)
	}

	if cfg.Verbose && runOutput == "" {
		return nil
	}
	return writeResult(cmd.OutOrStdout(), runOutput, result)
}

// executeGraph runs the request. In verbose mode the plan, live progress and a summary are printed to out.
func executeGraph(ctx context.Context, out io.Writer, eng *engine.Engine, req engine.Request, verbose bool) (*engine.RunResult, error) {
	var progress engine.ProgressCallback
	var printer *observability.Printer

	if verbose {
		printer = observability.NewPrinter(out)
		if order, err := schedule.Order(req.Graph, eng.Options().CyclePolicy); err == nil {
			printer.PrintPlan(req.Graph, order, schedule.Levels(req.Graph, order), schedule.Excluded(req.Graph, order))
		}
		progress = printer.PrintProgress
	}

	result, err := eng.Execute(ctx, req, progress)
	if err != nil {
		return nil, err
	}

	if printer != nil {
		printer.PrintRunResult(result)
		printer.PrintArtifacts(result)
	}
	return result, nil
}

// writeResult writes the result as indented JSON to path, or to out when path is empty
func writeResult(out io.Writer, path string, result *engine.RunResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run result: %w", err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err := out.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run result: %w", err)
	}
	return nil
}
