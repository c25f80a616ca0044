package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/adamscao/trustgate/internal/apiclient"
	"github.com/adamscao/trustgate/internal/models"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage server accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an account",
	RunE:  runAccountAdd,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE:  runAccountList,
}

var accountSetURLCmd = &cobra.Command{
	Use:   "set-url <id> <base-url>",
	Short: "Move an account to another server root",
	Args:  cobra.ExactArgs(2),
	RunE:  runAccountSetURL,
}

var accountProbeCmd = &cobra.Command{
	Use:   "probe <id>",
	Short: "Fetch the server status through the account's client",
	Long: "Fetch the server status through the account's client. An untrusted " +
		"certificate blocks the probe until someone answers the approval request.",
	Args: cobra.ExactArgs(1),
	RunE: runAccountProbe,
}

var (
	accountName     string
	accountBaseURL  string
	accountUsername string
	probeBaseURL    string
	probeTimeout    time.Duration
)

func init() {
	accountAddCmd.Flags().StringVar(&accountName, "name", "", "Account name")
	accountAddCmd.Flags().StringVar(&accountBaseURL, "base-url", "", "Server root URL")
	accountAddCmd.Flags().StringVar(&accountUsername, "username", "", "Login name")
	// TRUSTCTL_PASSWORD keeps the app password out of shell history
	accountAddCmd.Flags().String("password", "", "App password")
	_ = viper.BindPFlag("password", accountAddCmd.Flags().Lookup("password"))
	_ = accountAddCmd.MarkFlagRequired("name")
	_ = accountAddCmd.MarkFlagRequired("base-url")

	accountProbeCmd.Flags().StringVar(&probeBaseURL, "base-url", "", "Probe this URL instead of the account's own")
	accountProbeCmd.Flags().DurationVar(&probeTimeout, "timeout", 5*time.Minute, "How long to wait, including approval")

	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountListCmd)
	accountCmd.AddCommand(accountSetURLCmd)
	accountCmd.AddCommand(accountProbeCmd)
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	if _, err := apiclient.NormalizeBaseURL(accountBaseURL); err != nil {
		return err
	}

	client, err := newAPIClient(30 * time.Second)
	if err != nil {
		return err
	}

	body := map[string]string{
		"name":     accountName,
		"base_url": accountBaseURL,
		"username": accountUsername,
		"password": viper.GetString("password"),
	}

	var account models.Account
	if err := client.do(cmd.Context(), http.MethodPost, "/v1/accounts", body, &account, nil); err != nil {
		return err
	}

	fmt.Printf("Account created successfully\n")
	fmt.Printf("  ID:       %d\n", account.ID)
	fmt.Printf("  Name:     %s\n", account.Name)
	fmt.Printf("  Base URL: %s\n", account.BaseURL)
	return nil
}

func runAccountList(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(30 * time.Second)
	if err != nil {
		return err
	}

	var resp struct {
		Accounts []models.Account `json:"accounts"`
	}
	if err := client.do(cmd.Context(), http.MethodGet, "/v1/accounts", nil, &resp, nil); err != nil {
		return err
	}

	if len(resp.Accounts) == 0 {
		fmt.Println("No accounts found")
		return nil
	}

	fmt.Printf("%-6s %-20s %-20s %-40s %s\n", "ID", "NAME", "USERNAME", "BASE URL", "UPDATED")
	fmt.Println("------------------------------------------------------------------------------------------------------------")
	for _, a := range resp.Accounts {
		fmt.Printf("%-6d %-20s %-20s %-40s %s\n",
			a.ID,
			truncate(a.Name, 20),
			truncate(a.Username, 20),
			truncate(a.BaseURL, 40),
			a.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}

	return nil
}

func runAccountSetURL(cmd *cobra.Command, args []string) error {
	id, err := parseAccountID(args[0])
	if err != nil {
		return err
	}

	client, err := newAPIClient(30 * time.Second)
	if err != nil {
		return err
	}

	var account models.Account
	body := map[string]string{"base_url": args[1]}
	if err := client.do(cmd.Context(), http.MethodPut, fmt.Sprintf("/v1/accounts/%d/base-url", id), body, &account, nil); err != nil {
		return err
	}

	fmt.Printf("Account %d now uses %s\n", account.ID, account.BaseURL)
	return nil
}

func runAccountProbe(cmd *cobra.Command, args []string) error {
	id, err := parseAccountID(args[0])
	if err != nil {
		return err
	}

	client, err := newAPIClient(probeTimeout)
	if err != nil {
		return err
	}

	var body interface{}
	if probeBaseURL != "" {
		body = map[string]string{"base_url": probeBaseURL}
	}

	var resp struct {
		AccountID int64                  `json:"account_id"`
		BaseURL   string                 `json:"base_url"`
		Status    apiclient.ServerStatus `json:"status"`
	}
	if err := client.do(cmd.Context(), http.MethodPost, fmt.Sprintf("/v1/accounts/%d/probe", id), body, &resp, nil); err != nil {
		return err
	}

	st := resp.Status
	fmt.Printf("Server:      %s\n", resp.BaseURL)
	fmt.Printf("Product:     %s %s\n", st.ProductName, st.VersionString)
	fmt.Printf("Installed:   %t\n", st.Installed)
	fmt.Printf("Maintenance: %t\n", st.Maintenance)
	if st.NeedsDBUpgrade {
		fmt.Println("Warning: server needs a database upgrade")
	}
	return nil
}

func parseAccountID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account id %q", raw)
	}
	return id, nil
}
