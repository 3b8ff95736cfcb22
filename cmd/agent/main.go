package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"dex-keeper-go/internal/config"
	"dex-keeper-go/internal/logger"
	"dex-keeper-go/internal/models"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	modeLive  = "live"
	modePaper = "paper"
)

type globalFlags struct {
	configPath string
	mode       string
}

func main() {
	// console logger until the config names the real outputs
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("No .env file found, reading secrets from the process environment.")
	} else {
		logger.S().Info("Loaded environment from .env.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.S().Errorf("%v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "dex-keeper",
		Short:         "Order keeper and oracle price feeder for the DEX router",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.mode != modeLive && flags.mode != modePaper {
				return fmt.Errorf("unknown mode %q: choose %s or %s", flags.mode, modeLive, modePaper)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to the JSON config (default: first of "+fmt.Sprint(config.DefaultPaths)+")")
	root.PersistentFlags().StringVar(&flags.mode, "mode", modeLive, "ledger backend: live or paper")

	root.AddCommand(
		newKeeperCmd(flags),
		newFeederCmd(flags),
		newShockCmd(flags),
		newDiagnoseCmd(flags),
	)
	return root
}

func newKeeperCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keeper",
		Short: "Execute eligible orders and liquidate underwater positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeeper(cmd.Context(), flags)
		},
	}
}

func newFeederCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "feeder",
		Short: "Synthesize prices and publish them to the oracle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeeder(cmd.Context(), flags)
		},
	}
}

func newShockCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shock <symbol> [multiplier]",
		Short: "Move one price by ±10% x multiplier and publish it once",
		Long: "Move one price by ±10% x multiplier and publish it once with the feeder account.\n" +
			"The feeder must be stopped; while it runs, use feeder.shocks in the config instead.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			multiplier := 2.0
			if len(args) == 2 {
				v, err := strconv.ParseFloat(args[1], 64)
				if err != nil || v <= 0 {
					return fmt.Errorf("multiplier must be a positive number, got %q", args[1])
				}
				multiplier = v
			}
			return runShock(cmd.Context(), flags, args[0], multiplier)
		},
	}
}

func newDiagnoseCmd(flags *globalFlags) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Print account, fee, pause and price diagnostics plus recent submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != config.RoleKeeper && role != config.RoleFeeder {
				return fmt.Errorf("role must be %s or %s", config.RoleKeeper, config.RoleFeeder)
			}
			return runDiagnose(cmd.Context(), flags, role, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&role, "role", config.RoleFeeder, "which signing account to inspect: keeper or feeder")
	return cmd
}
