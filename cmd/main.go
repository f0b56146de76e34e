package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ItsEcholot/real-stereo-extended/internal/config"
	"github.com/ItsEcholot/real-stereo-extended/internal/node"
)

var (
	cfgFile  string
	nodeType string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "realstereo",
		Short: "Real Stereo: camera tracked multi-room volume balancing",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a Real Stereo node",
		RunE:  runStart,
	}

	startCmd.Flags().StringVarP(&nodeType, "type", "t", "master", "Node type: 'master' (registry and balancing, own camera) | 'slave' (camera node acquired by a master)")
	startCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")
	rootCmd.AddCommand(startCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	role, err := node.ParseRole(nodeType)
	if err != nil {
		return err
	}

	ctrl := node.NewController(cfg, role, logger)
	return ctrl.Run(context.Background())
}
