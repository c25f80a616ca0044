package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamscao/trustgate/internal/models"
	"github.com/adamscao/trustgate/pkg/certutil"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage trusted certificates",
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trusted certificates",
	RunE:  runTrustList,
}

var trustForgetCmd = &cobra.Command{
	Use:   "forget <fingerprint>",
	Short: "Revoke trust in a certificate",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrustForget,
}

var trustResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove every trusted certificate",
	RunE:  runTrustReset,
}

var trustFingerprintCmd = &cobra.Command{
	Use:   "fingerprint <pem-file>",
	Short: "Print the fingerprint and details of a PEM certificate",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrustFingerprint,
}

var resetConfirm bool

func init() {
	trustResetCmd.Flags().BoolVar(&resetConfirm, "yes", false, "Confirm the reset")

	trustCmd.AddCommand(trustListCmd)
	trustCmd.AddCommand(trustForgetCmd)
	trustCmd.AddCommand(trustResetCmd)
	trustCmd.AddCommand(trustFingerprintCmd)
}

func runTrustList(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(30 * time.Second)
	if err != nil {
		return err
	}

	var resp struct {
		Certificates []models.TrustRecord `json:"certificates"`
	}
	if err := client.do(cmd.Context(), http.MethodGet, "/v1/trust", nil, &resp, nil); err != nil {
		return err
	}

	if len(resp.Certificates) == 0 {
		fmt.Println("No trusted certificates")
		return nil
	}

	fmt.Printf("%-73s %-20s %-30s %s\n", "FINGERPRINT", "TRUSTED", "SUBJECT", "SESSION")
	fmt.Println("---------------------------------------------------------------------------------------------------------------------------------")
	for _, rec := range resp.Certificates {
		session := ""
		if rec.SessionOnly {
			session = "yes"
		}
		fmt.Printf("%-73s %-20s %-30s %s\n",
			rec.Fingerprint,
			rec.TrustedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(rec.Subject, 30),
			session,
		)
	}

	return nil
}

func runTrustForget(cmd *cobra.Command, args []string) error {
	fp, err := certutil.NormalizeFingerprint(args[0])
	if err != nil {
		return err
	}

	client, err := newAPIClient(30 * time.Second)
	if err != nil {
		return err
	}

	if err := client.do(cmd.Context(), http.MethodDelete, "/v1/trust/"+url.PathEscape(fp), nil, nil, nil); err != nil {
		return err
	}

	fmt.Printf("Forgot %s\n", fp)
	return nil
}

func runTrustReset(cmd *cobra.Command, args []string) error {
	if !resetConfirm {
		return fmt.Errorf("refusing to reset without --yes")
	}

	client, err := newAPIClient(30 * time.Second)
	if err != nil {
		return err
	}

	var resp struct {
		Removed int `json:"removed"`
	}
	if err := client.do(cmd.Context(), http.MethodDelete, "/v1/trust", nil, &resp, nil); err != nil {
		return err
	}

	fmt.Printf("Removed %d trusted certificates\n", resp.Removed)
	return nil
}

func runTrustFingerprint(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read certificate: %w", err)
	}

	cert, err := certutil.ParsePEM(data)
	if err != nil {
		return err
	}

	meta := certutil.Describe(cert)
	fmt.Printf("Fingerprint: %s\n", meta.Fingerprint)
	fmt.Printf("Subject:     %s\n", meta.Subject)
	fmt.Printf("Issuer:      %s\n", meta.Issuer)
	fmt.Printf("Issued for:  %s\n", meta.IssuedFor())
	fmt.Printf("Valid from:  %s\n", meta.NotBefore.Format(certutil.DefaultDateLayout))
	fmt.Printf("Valid until: %s\n", meta.NotAfter.Format(certutil.DefaultDateLayout))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
