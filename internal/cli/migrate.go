package cli

import (
	"log"

	"github.com/spf13/cobra"

	"ayurvaid-agent/internal/database"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Run:   runMigrate,
	})
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if err := database.Migrate(cmd.Context(), dialectOf(cfg), cfg.DatabaseURL); err != nil {
		exitErr("migrate", err)
	}
	log.Println("Migrations applied successfully!")
}
