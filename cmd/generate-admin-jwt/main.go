package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"rollup-sequencer/internal/config"
	"rollup-sequencer/internal/middleware"
)

var rootCmd = &cobra.Command{
	Use:   "generate-admin-jwt",
	Short: "Generate an admin token for the sequencer API",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		secret, _ := cmd.Flags().GetString("secret")
		configPath, _ := cmd.Flags().GetString("config")

		if secret == "" {
			if err := config.LoadConfig(configPath); err != nil {
				return err
			}
			secret = config.AppConfig.Admin.JWTSecret
		}

		tokenString, err := middleware.GenerateAdminToken(secret, username, ttl)
		if err != nil {
			return err
		}

		fmt.Println("============================================================")
		fmt.Println("Admin JWT Token Generated")
		fmt.Println("============================================================")
		fmt.Println()
		fmt.Println("Token:")
		fmt.Println(tokenString)
		fmt.Println()
		fmt.Println("Claims:")
		fmt.Printf("  Username: %s\n", username)
		fmt.Printf("  Role: %s\n", middleware.AdminRole)
		fmt.Printf("  Expires: %s\n", time.Now().Add(ttl).Format(time.RFC3339))
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Printf("curl -X POST -H 'Authorization: Bearer %s' http://localhost:8081/api/admin/flush\n", tokenString)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringP("username", "u", "operator", "Admin username")
	rootCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	rootCmd.Flags().StringP("secret", "s", "", "JWT signing secret (uses config value if not provided)")
	rootCmd.Flags().StringP("config", "c", "", "Path to config file to load the secret from")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
