package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/application"
	"github.com/ngoclaw/ngoclaw/gateway/internal/application/usecase"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/config"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/logger"
)

const (
	cliVersion = "0.1.0"
	cliName    = "maintctl"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName,
		Short: "Operator CLI for the aircraft maintenance orchestrator",
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator's HTTP + WebSocket server",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check the local environment",
		RunE:  runDoctor,
	})

	conversationCmd := &cobra.Command{
		Use:   "conversation",
		Short: "Inspect and replay stored conversations",
	}
	conversationCmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation's metadata and message history",
		Args:  cobra.ExactArgs(1),
		RunE:  runConversationShow,
	})
	conversationCmd.AddCommand(&cobra.Command{
		Use:   "replay <id>",
		Short: "Re-submit a conversation's last user message through the orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE:  runConversationReplay,
	})
	rootCmd.AddCommand(conversationCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{Level: "info", Format: "json", OutputPath: "stdout"})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	app, err := application.NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer app.Stop(context.Background())

	log.Info("orchestrator running", zap.String("address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)))
	select {}
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("%s doctor v%s\n\n", cliName, cliVersion)

	checks := []struct {
		name  string
		check func() (string, bool)
	}{
		{"config file", checkConfig},
		{"Go toolchain", checkGo},
	}

	allOK := true
	for _, c := range checks {
		val, ok := c.check()
		icon := "✓"
		if !ok {
			icon = "✗"
			allOK = false
		}
		fmt.Printf("  %s %s: %s\n", icon, c.name, val)
	}

	fmt.Println()
	if allOK {
		fmt.Println("all checks passed")
	} else {
		fmt.Println("see flagged items above")
	}
	return nil
}

func checkConfig() (string, bool) {
	path := filepath.Join(os.Getenv("HOME"), ".ngoclaw", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return "no ~/.ngoclaw/config.yaml (defaults will be used)", true
}

func checkGo() (string, bool) {
	for _, p := range []string{"/usr/local/go/bin/go", "/usr/bin/go"} {
		if _, err := os.Stat(p); err == nil {
			return "installed", true
		}
	}
	return "not found", false
}

func bootApp() (*application.App, *zap.Logger, error) {
	log, err := logger.NewLogger(logger.Config{Level: "warn", Format: "console", OutputPath: "stdout"})
	if err != nil {
		return nil, nil, fmt.Errorf("logger init: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	app, err := application.NewApp(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("init: %w", err)
	}
	return app, log, nil
}

func runConversationShow(cmd *cobra.Command, args []string) error {
	app, _, err := bootApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	conv, err := app.Conversations().FindByID(ctx, args[0])
	if err != nil {
		return fmt.Errorf("conversation not found: %w", err)
	}
	fmt.Printf("conversation %s (owner=%s agent_hint=%s turns=%d)\n", conv.ID(), conv.OwnerID(), conv.AgentHint(), conv.TurnCount())

	msgs, err := app.Messages().FindByConversationID(ctx, conv.ID(), 0, 0)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	for _, m := range msgs {
		fmt.Printf("[%d] %s (%s/%s): %s\n", m.Seq(), m.Role(), m.AgentType(), m.TierUsed(), m.Content())
	}
	return nil
}

func runConversationReplay(cmd *cobra.Command, args []string) error {
	app, _, err := bootApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	conv, err := app.Conversations().FindByID(ctx, args[0])
	if err != nil {
		return fmt.Errorf("conversation not found: %w", err)
	}

	msgs, err := app.Messages().FindByConversationID(ctx, conv.ID(), 0, 0)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	var lastQuery string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsFromUser() {
			lastQuery = msgs[i].Content()
			break
		}
	}
	if lastQuery == "" {
		return fmt.Errorf("conversation %s has no user message to replay", conv.ID())
	}

	result, err := app.Orchestrate().Execute(ctx, usecase.OrchestrateQueryInput{
		ConversationID: conv.ID(),
		OwnerID:        conv.OwnerID(),
		Query:          lastQuery,
	})
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	fmt.Printf("run %s (agent=%s tier=%s)\n%s\n", result.RunID, result.Agent, result.Tier, result.AssistantReply)
	return nil
}
