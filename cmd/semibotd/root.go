package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GoatGit/semibot-sub004/internal/collab"
	"github.com/GoatGit/semibot-sub004/internal/config"
	"github.com/GoatGit/semibot-sub004/internal/logging"
	"github.com/GoatGit/semibot-sub004/internal/scheduler"
	"github.com/GoatGit/semibot-sub004/internal/server"
	"github.com/GoatGit/semibot-sub004/internal/svc"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "semibotd",
	Short: "semibot control plane: session transport, SSE relay and VM scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to config file")
}

func serve() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	provider := scheduler.NewHTTPProvider(cfg.Provider.Endpoint, cfg.Provider.APIKey)
	svcCtx, err := svc.NewServiceContext(cfg, provider, cfg.Server.PublicURL)
	if err != nil {
		return err
	}
	defer svcCtx.Close()

	var skills collab.SkillFetcher
	var memory collab.MemorySearcher
	if cfg.Collab.APIBaseURL != "" {
		api := collab.NewAPIClient(cfg.Collab.APIBaseURL, cfg.Collab.APIKey)
		skills, memory = api, api
	}
	var tools collab.ToolCaller
	if len(cfg.Collab.MCPServers) > 0 {
		mcp := collab.NewMCPToolCaller(cfg.Collab.MCPServers)
		defer mcp.Close()
		tools = mcp
	}
	collab.Register(svcCtx.Router, skills, memory, tools, svcCtx.Usage)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svcCtx.Scheduler.Start(ctx); err != nil {
		return err
	}
	svcCtx.Usage.Start()

	logging.Infof("semibot control plane starting")
	return server.New(svcCtx).Run(ctx)
}
