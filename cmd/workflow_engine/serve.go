package main

import (
	"context"
	"fmt"

	"github.com/jonathan/workflow-engine/internal/config"
	"github.com/jonathan/workflow-engine/internal/server"
	"github.com/spf13/cobra"
)

var (
	serveFlags       commonFlags
	servePort        int
	serveSchemaCheck bool
	serveMigrate     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that exposes REST endpoints for executing workflow graphs, streaming their progress,
and reading run history and credit balances.

Bearer token auth is enabled when JWT_SECRET is set; otherwise every request runs as --user.`,
	RunE: runServe,
}

func init() {
	addConfigFlags(serveCmd, &serveFlags)
	addExecFlags(serveCmd, &serveFlags)

	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default 8080)")
	serveCmd.Flags().BoolVar(&serveSchemaCheck, "schema-check", true, "Validate request graphs against the JSON Schema")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "Apply the database schema before serving")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd, &serveFlags)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	jwtCfg, err := config.NewJWTConfig()
	if err != nil {
		return fmt.Errorf("invalid JWT configuration: %w", err)
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}

	srvCfg := server.Config{
		Port:           cfg.Port,
		Engine:         a.engine,
		JWT:            jwtCfg,
		DefaultUser:    cfg.UserID,
		MonthlyCredits: cfg.MonthlyCredits,
		SchemaCheck:    serveSchemaCheck,
		Logger:         logger,
		OnShutdown:     a.Close,
	}
	if database := a.storage.db; database != nil {
		if serveMigrate {
			if err := database.Migrate(ctx); err != nil {
				a.Close()
				return err
			}
		}
		srvCfg.Ping = database.Ping
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		a.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start()
}
