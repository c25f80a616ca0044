package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/adamscao/trustgate/internal/config"
	"github.com/adamscao/trustgate/internal/db"
)

var (
	configPath string
	cfg        *config.Config
	database   *db.DB
)

var rootCmd = &cobra.Command{
	Use:   "trustctl",
	Short: "trustgate administration tool",
	Long: "Administrative tool for trustgate: answer certificate approval requests, " +
		"manage trusted certificates and accounts, and enroll the unlock gate.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Root flags
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8443", "trustgate API address")
	rootCmd.PersistentFlags().String("admin-token", "", "Admin token")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/trustgate/config.yaml", "Config file path, for commands that open the database")

	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("admin_token", rootCmd.PersistentFlags().Lookup("admin-token"))

	// TRUSTCTL_SERVER, TRUSTCTL_ADMIN_TOKEN, TRUSTCTL_GATE_SECRET
	viper.SetEnvPrefix("trustctl")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(trustCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(auditCmd)
}

func initDB() error {
	// Load configuration
	var err error
	cfg, err = config.LoadWithEnv(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Connect to database
	database, err = db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
