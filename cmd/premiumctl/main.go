package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fithub/premium/internal/config"
	"github.com/fithub/premium/internal/logging"
	"github.com/fithub/premium/internal/store"
	"github.com/fithub/premium/pkg/billing"
	"github.com/fithub/premium/pkg/entitlement"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "premiumctl",
	Short:   "premiumctl - inspect and refresh the FitHub premium entitlement",
	Version: Version,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the cached entitlement record",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		kv, err := store.Open(cfg.CachePath())
		if err != nil {
			return err
		}
		defer kv.Close()

		cache := entitlement.NewCache(kv, log.Logger)
		record, err := cache.Load()
		if err != nil {
			return err
		}
		if record == nil {
			fmt.Println("no cached entitlement")
			return nil
		}

		fmt.Printf("premium:        %v\n", record.Entitlement.IsPremium)
		fmt.Printf("tier:           %s\n", record.Tier)
		fmt.Printf("last validated: %s\n", record.LastValidatedAt.Format(time.RFC3339))
		if record.ExpiresAt != nil {
			fmt.Printf("expires:        %s\n", record.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Resolve the entitlement against the billing authority once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := cfg.Validate(); err != nil {
			return err
		}
		kv, err := store.Open(cfg.CachePath())
		if err != nil {
			return err
		}
		defer kv.Close()

		authority := billing.NewHTTPClient(cfg.BillingURL, cfg.APIToken)
		res := entitlement.NewResolver(authority, entitlement.DefaultCatalog(), entitlement.ResolverConfig{
			FetchTimeout:   cfg.ResolveTimeout,
			RenewalTimeout: cfg.RenewalTimeout,
		}, log.Logger)
		cache := entitlement.NewCache(kv, log.Logger)
		controller := entitlement.NewController(res, cache, authority, nil, entitlement.ControllerConfig{
			MaxRetries:  cfg.MaxRetries,
			GraceWindow: cfg.GraceWindow,
		}, log.Logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		controller.RefreshEntitlement(ctx)
		state := controller.Snapshot()

		fmt.Printf("premium: %v\n", state.Entitlement.IsPremium)
		fmt.Printf("tier:    %s\n", state.Tier)
		if state.Overlap != nil {
			fmt.Printf("overlap: %s subscription (transaction %s) is also auto-renewing\n",
				state.Overlap.Tier, state.Overlap.TransactionID)
		}
		if state.ErrorMessage != "" {
			fmt.Printf("notice:  %s\n", state.ErrorMessage)
		}
		return nil
	},
}

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Remove the cached entitlement record",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		kv, err := store.Open(cfg.CachePath())
		if err != nil {
			return err
		}
		defer kv.Close()

		if err := entitlement.NewCache(kv, log.Logger).Clear(); err != nil {
			return err
		}
		fmt.Println("cache cleared")
		return nil
	},
}

func main() {
	cfg := config.Load()
	logging.Init(logging.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Component: "premiumctl",
	})

	rootCmd.AddCommand(statusCmd, refreshCmd, clearCacheCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
