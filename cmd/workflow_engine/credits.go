package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonathan/workflow-engine/internal/observability"
	"github.com/spf13/cobra"
)

var (
	creditsFlags commonFlags
	creditsGrant int
	creditsJSON  bool
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Show a user's credit balance, optionally granting bonus credits",
	RunE:  runCredits,
}

// bonusGranter is implemented by ledgers that can add purchased credits
type bonusGranter interface {
	GrantBonus(ctx context.Context, userID string, amount int) error
}

func init() {
	addConfigFlags(creditsCmd, &creditsFlags)
	creditsCmd.Flags().IntVar(&creditsGrant, "grant", 0, "Add this many bonus credits before printing the balance (requires a database)")
	creditsCmd.Flags().BoolVar(&creditsJSON, "json", false, "Print the balance as JSON")
	rootCmd.AddCommand(creditsCmd)
}

func runCredits(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd, &creditsFlags)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, storage: st, logger: logger}
	defer a.Close()

	if err := a.ensureAccount(ctx); err != nil {
		return err
	}

	if creditsGrant != 0 {
		granter, ok := st.ledger.(bonusGranter)
		if !ok || st.db == nil {
			return fmt.Errorf("granting credits requires a database (set --db-url flag or DATABASE_URL env var)")
		}
		if err := granter.GrantBonus(ctx, cfg.UserID, creditsGrant); err != nil {
			return err
		}
		logger.Info("granted bonus credits", "user_id", cfg.UserID, "amount", creditsGrant)
	}

	if err := st.ledger.MonthlyResetIfDue(ctx, cfg.UserID); err != nil {
		return err
	}
	balance, err := st.ledger.Balance(ctx, cfg.UserID)
	if err != nil {
		return err
	}

	if creditsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"user_id": cfg.UserID, "total": balance.Total(), "balance": balance})
	}
	observability.NewPrinter(cmd.OutOrStdout()).PrintBalance(cfg.UserID, balance)
	return nil
}
