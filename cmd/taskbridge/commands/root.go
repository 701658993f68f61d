package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/taskbridge/taskbridge/internal/config"
	"github.com/taskbridge/taskbridge/internal/database"
)

var rootCmd = &cobra.Command{
	Use:   "taskbridge",
	Short: "Operator tool for the taskbridge control plane",
	Long:  "Manage API keys, credits, and spending limits directly against the taskbridge database.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// openDB connects with the same configuration the server uses.
func openDB() (*gorm.DB, *zap.Logger, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, nil, err
	}

	log := zap.NewNop()
	db, err := database.Open(&database.Config{
		URL:            cfg.Database.URL,
		Path:           cfg.Database.Path,
		MaxConnections: 2,
		MaxIdleConns:   1,
	})
	if err != nil {
		return nil, nil, err
	}
	return db, log, nil
}
