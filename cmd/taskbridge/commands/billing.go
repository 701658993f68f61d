package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/taskbridge/taskbridge/internal/config"
	"github.com/taskbridge/taskbridge/internal/models"
	"github.com/taskbridge/taskbridge/internal/services/billing"
)

var (
	creditsAmount      float64
	creditsDescription string
	dailyLimit         float64
	monthlyLimit       float64
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Manage prepaid credits",
}

var creditsAddCmd = &cobra.Command{
	Use:   "add <key-id>",
	Short: "Add credits to a key's account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("key id must be a UUID")
		}
		if creditsAmount == 0 {
			return fmt.Errorf("--amount must be non-zero")
		}

		svc, err := openBilling()
		if err != nil {
			return err
		}

		txType := models.TransactionCreditPurchase
		if creditsAmount < 0 {
			txType = models.TransactionCreditAdjustment
		}
		description := creditsDescription
		if description == "" {
			description = "operator credit adjustment"
		}

		account, err := svc.UpdateBalance(context.Background(), id, creditsAmount, txType, description)
		if err != nil {
			return err
		}
		fmt.Printf("Balance for %s: %.6f (total spent %.6f)\n",
			id, account.CreditsBalance, account.TotalSpent)
		return nil
	},
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Manage spending limits",
}

var limitsSetCmd = &cobra.Command{
	Use:   "set <key-id>",
	Short: "Set daily/monthly spending limits (0 clears a limit)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("key id must be a UUID")
		}

		svc, err := openBilling()
		if err != nil {
			return err
		}

		var daily, monthly *float64
		if cmd.Flags().Changed("daily") && dailyLimit > 0 {
			daily = &dailyLimit
		}
		if cmd.Flags().Changed("monthly") && monthlyLimit > 0 {
			monthly = &monthlyLimit
		}

		account, err := svc.SetLimits(context.Background(), id, daily, monthly)
		if err != nil {
			return err
		}

		format := func(v *float64) string {
			if v == nil {
				return "none"
			}
			return fmt.Sprintf("%.6f", *v)
		}
		fmt.Printf("Limits for %s: daily=%s monthly=%s\n",
			id, format(account.DailyLimit), format(account.MonthlyLimit))
		return nil
	},
}

func openBilling() (*billing.Service, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	db, log, err := openDB()
	if err != nil {
		return nil, err
	}
	return billing.NewService(db, log, billing.Pricing{
		InputPer1K:  cfg.Pricing.InputPer1K,
		OutputPer1K: cfg.Pricing.OutputPer1K,
	}), nil
}

func init() {
	creditsAddCmd.Flags().Float64Var(&creditsAmount, "amount", 0, "credits to add (negative to remove)")
	creditsAddCmd.Flags().StringVar(&creditsDescription, "description", "", "transaction description")
	creditsAddCmd.MarkFlagRequired("amount")
	creditsCmd.AddCommand(creditsAddCmd)

	limitsSetCmd.Flags().Float64Var(&dailyLimit, "daily", 0, "daily spending limit (0 clears)")
	limitsSetCmd.Flags().Float64Var(&monthlyLimit, "monthly", 0, "monthly spending limit (0 clears)")
	limitsCmd.AddCommand(limitsSetCmd)

	rootCmd.AddCommand(creditsCmd, limitsCmd)
}
