package main

import (
	"fmt"
	"image/png"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamscao/trustgate/internal/auth"
	"github.com/adamscao/trustgate/internal/db/repository"
	"github.com/adamscao/trustgate/internal/models"
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Manage the unlock gate that guards approval verdicts",
}

var gateEnrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Generate a new gate secret",
	RunE:  runGateEnroll,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the admin token",
}

var tokenGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new admin token",
	RunE:  runTokenGenerate,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and prune the audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent audit entries",
	RunE:  runAuditList,
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete audit entries older than the given age (opens the database directly)",
	RunE:  runAuditPrune,
}

var (
	gateAccount  string
	gateQRPath   string
	auditAction  string
	auditFP      string
	auditLimit   int
	pruneOlderBy time.Duration
)

func init() {
	gateEnrollCmd.Flags().StringVar(&gateAccount, "account", "operator", "Account name shown in the authenticator app")
	gateEnrollCmd.Flags().StringVar(&gateQRPath, "qr", "", "Write the enrollment QR code as PNG to this path")
	gateCmd.AddCommand(gateEnrollCmd)

	tokenCmd.AddCommand(tokenGenerateCmd)

	auditListCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action")
	auditListCmd.Flags().StringVar(&auditFP, "fingerprint", "", "Filter by certificate fingerprint")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of entries")
	auditPruneCmd.Flags().DurationVar(&pruneOlderBy, "older-than", 0, "Age threshold, defaults to the configured retention")
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditPruneCmd)
}

func runGateEnroll(cmd *cobra.Command, args []string) error {
	key, err := auth.GenerateGateKey(gateAccount)
	if err != nil {
		return err
	}

	fmt.Printf("Secret:  %s\n", key.Secret())
	fmt.Printf("URL:     %s\n", key.URL())

	if gateQRPath != "" {
		img, err := key.Image(256, 256)
		if err != nil {
			return fmt.Errorf("failed to render QR code: %w", err)
		}

		f, err := os.OpenFile(gateQRPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", gateQRPath, err)
		}
		defer f.Close()

		if err := png.Encode(f, img); err != nil {
			return fmt.Errorf("failed to write QR code: %w", err)
		}
		fmt.Printf("QR code: %s\n", gateQRPath)
	}

	fmt.Println()
	fmt.Println("Set gate.totp_secret (or TRUSTGATE_GATE_SECRET) to the secret and restart trustgate.")
	return nil
}

func runTokenGenerate(cmd *cobra.Command, args []string) error {
	token, err := auth.GenerateAdminToken()
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

func runAuditList(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(30 * time.Second)
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(auditLimit))
	if auditAction != "" {
		q.Set("action", auditAction)
	}
	if auditFP != "" {
		q.Set("fingerprint", auditFP)
	}

	var resp struct {
		Entries []models.AuditLog `json:"entries"`
	}
	if err := client.do(cmd.Context(), http.MethodGet, "/v1/audit?"+q.Encode(), nil, &resp, nil); err != nil {
		return err
	}

	if len(resp.Entries) == 0 {
		fmt.Println("No audit entries")
		return nil
	}

	for _, e := range resp.Entries {
		result := "ok"
		if !e.Success {
			result = "FAILED"
		}
		line := fmt.Sprintf("%s  %-20s %-6s", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Action, result)
		if e.Fingerprint != "" {
			line += " " + e.Fingerprint
		}
		if e.AccountID != 0 {
			line += fmt.Sprintf(" account=%d", e.AccountID)
		}
		if e.ErrorMsg != "" {
			line += " error=" + strconv.Quote(e.ErrorMsg)
		}
		fmt.Println(line)
	}

	return nil
}

func runAuditPrune(cmd *cobra.Command, args []string) error {
	if err := initDB(); err != nil {
		return err
	}
	defer database.Close()

	age := pruneOlderBy
	if age <= 0 {
		age = cfg.GetAuditRetention()
	}
	if age <= 0 {
		return fmt.Errorf("no retention configured, pass --older-than")
	}

	removed, err := repository.NewAuditRepository(database.DB).DeleteOld(time.Now().Add(-age))
	if err != nil {
		return err
	}

	fmt.Printf("Removed %d audit entries older than %s\n", removed, age)
	return nil
}
