package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ayurvaid-agent/internal/auth"
)

func init() {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a caller (development)",
		Run:   runToken,
	}

	cmd.Flags().StringP("caller", "c", "", "Caller ID (required)")
	cmd.Flags().StringP("name", "n", "", "Display name")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("caller")

	RootCmd.AddCommand(cmd)
}

func runToken(cmd *cobra.Command, args []string) {
	caller, _ := cmd.Flags().GetString("caller")
	name, _ := cmd.Flags().GetString("name")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg := loadConfig()
	if cfg.JWTSecret == "" {
		exitErr("token", fmt.Errorf("JWT_SECRET is not set"))
	}
	token, err := auth.NewAuthenticator(cfg.JWTSecret).Issue(auth.Identity{ID: caller, DisplayName: name}, ttl)
	if err != nil {
		exitErr("token", err)
	}
	fmt.Println(token)
}
