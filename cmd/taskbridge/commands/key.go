package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/taskbridge/taskbridge/internal/models"
	"github.com/taskbridge/taskbridge/internal/services/key"
)

var (
	keyName        string
	keyDescription string
	keyType        string
	keyPrefix      string
	keyExpiresDays int
	keyPermissions []string
	listInactive   bool
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage API keys",
}

var keyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, log, err := openDB()
		if err != nil {
			return err
		}
		svc := key.NewService(db, log)

		req := key.CreateKeyRequest{
			Name:        keyName,
			Description: keyDescription,
			KeyType:     models.KeyType(keyType),
			Prefix:      keyPrefix,
			Permissions: keyPermissions,
		}
		if keyExpiresDays > 0 {
			req.ExpiresInDays = &keyExpiresDays
		}

		resp, err := svc.CreateKey(context.Background(), req)
		if err != nil {
			return err
		}

		fmt.Printf("Key created: %s (%s)\n", resp.Name, resp.ID)
		fmt.Printf("\n  %s\n\n", resp.Key)
		fmt.Println(resp.Warning)
		return nil
	},
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, log, err := openDB()
		if err != nil {
			return err
		}
		svc := key.NewService(db, log)

		keys, total, err := svc.ListKeys(context.Background(), 200, 0, listInactive)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tPREFIX\tACTIVE\tLAST USED")
		for _, k := range keys {
			lastUsed := "never"
			if k.LastUsedAt != nil {
				lastUsed = k.LastUsedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
				k.ID, k.Name, k.KeyType, k.KeyPrefix, k.IsActive, lastUsed)
		}
		w.Flush()
		fmt.Printf("\n%d keys\n", total)
		return nil
	},
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("key id must be a UUID")
		}

		db, log, err := openDB()
		if err != nil {
			return err
		}
		if err := key.NewService(db, log).RevokeKey(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("Key %s revoked\n", id)
		return nil
	},
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete <key-id>",
	Short: "Delete an API key and all its records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("key id must be a UUID")
		}

		db, log, err := openDB()
		if err != nil {
			return err
		}
		if err := key.NewService(db, log).DeleteKey(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("Key %s deleted\n", id)
		return nil
	},
}

func init() {
	keyCreateCmd.Flags().StringVar(&keyName, "name", "", "key name (required)")
	keyCreateCmd.Flags().StringVar(&keyDescription, "description", "", "key description")
	keyCreateCmd.Flags().StringVar(&keyType, "type", "standard", "key type: standard or internal")
	keyCreateCmd.Flags().StringVar(&keyPrefix, "prefix", "", "plaintext prefix (default tb_)")
	keyCreateCmd.Flags().IntVar(&keyExpiresDays, "expires-in-days", 0, "expiry in days (0 = never)")
	keyCreateCmd.Flags().StringSliceVar(&keyPermissions, "permissions", nil, "permissions (default execute,read,write)")
	keyCreateCmd.MarkFlagRequired("name")

	keyListCmd.Flags().BoolVar(&listInactive, "include-inactive", false, "include revoked keys")

	keyCmd.AddCommand(keyCreateCmd, keyListCmd, keyRevokeCmd, keyDeleteCmd)
	rootCmd.AddCommand(keyCmd)
}
