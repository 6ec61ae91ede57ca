// Package cli implements the ayurvaid-agent commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ayurvaid-agent/internal/config"
	"ayurvaid-agent/internal/database"
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "ayurvaid-agent",
	Short: "Conversational health-intake assistant",
	Long:  "Collects symptoms, age, gender and prior conditions over a chat, then predicts a likely condition with Ayurvedic remedies.",
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		exitErr("load config", err)
	}
	return cfg
}

func dialectOf(cfg *config.Config) database.Dialect {
	d, err := database.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		exitErr("database driver", err)
	}
	return d
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
