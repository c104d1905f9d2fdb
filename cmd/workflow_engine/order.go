package main

import (
	"encoding/json"
	"io"

	"github.com/jonathan/workflow-engine/internal/graph"
	"github.com/jonathan/workflow-engine/internal/observability"
	"github.com/jonathan/workflow-engine/internal/schedule"
	"github.com/spf13/cobra"
)

var orderCommand = &cobra.Command{
	Use:   "order",
	Short: "Print the execution order of a workflow graph",
	Long:  `Computes the dependency order the engine would execute a graph in, its parallel waves, and any nodes a cycle leaves out.`,
	RunE:  runOrderCmd,
}

var (
	orderFlags     commonFlags
	orderGraphPath string
	orderJSON      bool
)

func init() {
	orderCommand.Flags().StringVar(&orderFlags.configPath, "config", "", "Path to a JSON or YAML config file")
	orderCommand.Flags().StringVar(&orderFlags.cyclePolicy, "on-cycle", "", "Cycle handling: exclude or reject")
	orderCommand.Flags().StringVarP(&orderGraphPath, "graph", "g", "", "Path to the workflow graph (.json, .yaml or .yml)")
	orderCommand.Flags().BoolVar(&orderJSON, "json", false, "Print the plan as JSON")

	_ = orderCommand.MarkFlagRequired("graph")

	rootCmd.AddCommand(orderCommand)
}

// plan is an execution order with its waves
type plan struct {
	Order    []int   `json:"order"`
	Levels   [][]int `json:"levels"`
	Excluded []int   `json:"excluded"`
}

func runOrderCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd, &orderFlags)
	if err != nil {
		return err
	}
	policy, err := schedule.ParseCyclePolicy(cfg.CyclePolicy)
	if err != nil {
		return err
	}

	g, err := loadGraph(orderGraphPath, false)
	if err != nil {
		return err
	}
	p, err := buildPlan(g, policy)
	if err != nil {
		return err
	}
	return printPlan(cmd.OutOrStdout(), g, p, orderJSON)
}

func buildPlan(g *graph.Graph, policy schedule.CyclePolicy) (plan, error) {
	order, err := schedule.Order(g, policy)
	if err != nil {
		return plan{}, err
	}
	excluded := schedule.Excluded(g, order)
	if excluded == nil {
		excluded = []int{}
	}
	return plan{Order: order, Levels: schedule.Levels(g, order), Excluded: excluded}, nil
}

func printPlan(out io.Writer, g *graph.Graph, p plan, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}
	observability.NewPrinter(out).PrintPlan(g, p.Order, p.Levels, p.Excluded)
	return nil
}
