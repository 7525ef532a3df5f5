package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	acp "github.com/coder/acp-go-sdk"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhubert/plural-acp/bridge"
	"github.com/zhubert/plural-acp/claude"
	"github.com/zhubert/plural-acp/config"
	"github.com/zhubert/plural-acp/logger"
	"github.com/zhubert/plural-acp/paths"
	"github.com/zhubert/plural-acp/rules"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ACP protocol on stdio",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.SetDebug(cfg.Debug || debug)
	defer logger.Close()
	log := logger.Get()

	binPath, err := claude.ResolveBinary(cfg.ClaudeBinary)
	if err != nil {
		return err
	}
	log.Debug("resolved claude binary", "path", binPath)

	rulesPath, err := cfg.RulesFilePath()
	if err != nil {
		return err
	}
	ruleStore, err := rules.NewStore(rulesPath, log)
	if err != nil {
		return err
	}

	sessionsDir, err := paths.SessionsDir()
	if err != nil {
		return err
	}
	store, err := bridge.NewSessionStore(sessionsDir)
	if err != nil {
		return err
	}

	agent := bridge.NewAgent(cfg, ruleStore, store, log)
	defer agent.Shutdown()

	// Stdio carries the protocol; all logging goes to the log file.
	conn := acp.NewAgentSideConnection(agent, os.Stdout, os.Stdin)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("bridge serving on stdio", "version", version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := ruleStore.Watch(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		select {
		case <-conn.Done():
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("bridge stopped", "error", err)
		return err
	}
	log.Info("bridge stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFrom(configPath)
	}
	return config.Load()
}
