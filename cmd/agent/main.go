// Package main provides the entry point for the reference node agent.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"syscall"
	"time"

	"github.com/narvanalabs/gpuconnect/internal/agent"
	"github.com/narvanalabs/gpuconnect/pkg/config"
	"github.com/narvanalabs/gpuconnect/pkg/logger"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	executor := agent.NewOllamaExecutor(cfg.ExecutorURL, cfg.ExecutorTimeout)

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	models, err := executor.Models(probeCtx)
	cancel()
	if err != nil {
		log.Warn("executor unreachable, jobs will fail until it is up",
			"url", cfg.ExecutorURL,
			"error", err,
		)
	} else {
		log.Info("executor connected", "url", cfg.ExecutorURL, "models", models)
		for _, capability := range cfg.Capabilities {
			if !slices.Contains(models, capability) {
				log.Warn("capability not available on executor", "capability", capability)
			}
		}
	}

	metadata, _ := json.Marshal(map[string]any{
		"provider": "ollama",
		"platform": runtime.GOOS + "/" + runtime.GOARCH,
		"models":   models,
	})

	hostname, _ := os.Hostname()
	agentCfg := agent.DefaultConfig()
	agentCfg.BrokerURL = cfg.BrokerURL
	agentCfg.NodeID = cfg.NodeID
	agentCfg.AuthToken = cfg.AuthToken
	agentCfg.Name = hostname
	agentCfg.Capabilities = cfg.Capabilities
	agentCfg.Metadata = metadata
	agentCfg.InitialBackoff = cfg.ReconnectMin
	agentCfg.MaxBackoff = cfg.ReconnectMax

	log.Info("starting node agent",
		"node_id", cfg.NodeID,
		"broker", cfg.BrokerURL,
		"capabilities", cfg.Capabilities,
	)

	err = agent.New(agentCfg, executor, log.WithComponent("agent").Logger).Run(ctx)
	if errors.Is(err, agent.ErrRejected) {
		log.Error("broker rejected this node, check AGENT_AUTH_TOKEN", "error", err)
		os.Exit(1)
	}
	log.Info("node agent stopped")
}
