package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jonathan/workflow-engine/internal/credits"
	"github.com/jonathan/workflow-engine/internal/graph"
	"github.com/jonathan/workflow-engine/internal/observability"
	"github.com/spf13/cobra"
)

var estimateCommand = &cobra.Command{
	Use:   "estimate",
	Short: "Price a workflow graph against the user's credits without running it",
	RunE:  runEstimateCmd,
}

var (
	estimateFlags     commonFlags
	estimateGraphPath string
	estimateJSON      bool
)

func init() {
	addConfigFlags(estimateCommand, &estimateFlags)
	estimateCommand.Flags().StringVar(&estimateFlags.defaultModel, "model", "", "Model used by nodes that name none")
	estimateCommand.Flags().StringVarP(&estimateGraphPath, "graph", "g", "", "Path to the workflow graph (.json, .yaml or .yml)")
	estimateCommand.Flags().BoolVar(&estimateJSON, "json", false, "Print the estimate as JSON")

	_ = estimateCommand.MarkFlagRequired("graph")

	rootCmd.AddCommand(estimateCommand)
}

// estimateResult is the JSON form of an estimate
type estimateResult struct {
	UserID     string               `json:"user_id"`
	Required   int                  `json:"required"`
	Available  int                  `json:"available"`
	Sufficient bool                 `json:"sufficient"`
	Breakdown  []credits.NodeCharge `json:"breakdown"`
}

func runEstimateCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd, &estimateFlags)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	g, err := loadGraph(estimateGraphPath, false)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ensureAccount(ctx); err != nil {
		return err
	}

	est, err := estimate(ctx, a.engine.Coordinator(), cfg.UserID, g)
	if err != nil {
		return err
	}
	return printEstimate(cmd.OutOrStdout(), est, estimateJSON)
}

// estimate applies any due monthly reset, then prices g against the user's balance
func estimate(ctx context.Context, coord *credits.Coordinator, userID string, g *graph.Graph) (estimateResult, error) {
	ledger := coord.Ledger()
	if err := ledger.MonthlyResetIfDue(ctx, userID); err != nil {
		return estimateResult{}, fmt.Errorf("failed to apply monthly reset: %w", err)
	}
	available, err := ledger.Available(ctx, userID)
	if err != nil {
		return estimateResult{}, fmt.Errorf("failed to read balance: %w", err)
	}

	required := coord.Estimate(g)
	return estimateResult{
		UserID:     userID,
		Required:   required,
		Available:  available,
		Sufficient: available >= required,
		Breakdown:  coord.Table().Breakdown(g),
	}, nil
}

func printEstimate(out io.Writer, est estimateResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(est)
	}
	observability.NewPrinter(out).PrintEstimate(est.Breakdown, est.Available)
	return nil
}
