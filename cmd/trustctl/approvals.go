package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pquerna/otp/totp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/adamscao/trustgate/internal/api/handlers"
	"github.com/adamscao/trustgate/internal/api/middleware"
	"github.com/adamscao/trustgate/internal/approval"
)

var approvalsCmd = &cobra.Command{
	Use:     "approvals",
	Aliases: []string{"approval"},
	Short:   "Answer certificate approval requests",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outstanding approval requests",
	RunE:  runApprovalsList,
}

var approvalsResolveCmd = &cobra.Command{
	Use:   "resolve <handle> <proceed|cancel>",
	Short: "Answer an approval request",
	Args:  cobra.ExactArgs(2),
	RunE:  runApprovalsResolve,
}

var approvalsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Attach as a presentation surface and answer requests interactively",
	Long: "Attach to trustgate as a presentation surface. Every approval request " +
		"this terminal takes is shown and answered here. Requests left unanswered " +
		"when the command exits are cancelled.",
	RunE: runApprovalsWatch,
}

func init() {
	approvalsCmd.PersistentFlags().String("gate-secret", "", "Gate TOTP secret, used to compute gate codes")
	approvalsCmd.PersistentFlags().String("gate-code", "", "Gate code for a single verdict")
	_ = viper.BindPFlag("gate_secret", approvalsCmd.PersistentFlags().Lookup("gate-secret"))
	_ = viper.BindPFlag("gate_code", approvalsCmd.PersistentFlags().Lookup("gate-code"))

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsResolveCmd)
	approvalsCmd.AddCommand(approvalsWatchCmd)
}

var stdin = bufio.NewReader(os.Stdin)

func runApprovalsList(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(30 * time.Second)
	if err != nil {
		return err
	}

	var resp struct {
		Approvals []handlers.ApprovalEvent `json:"approvals"`
	}
	if err := client.do(cmd.Context(), http.MethodGet, "/v1/approvals", nil, &resp, nil); err != nil {
		return err
	}

	if len(resp.Approvals) == 0 {
		fmt.Println("No outstanding approvals")
		return nil
	}

	fmt.Printf("%-38s %-73s %s\n", "HANDLE", "FINGERPRINT", "ISSUED FOR")
	fmt.Println("------------------------------------------------------------------------------------------------------------------------------------")
	for _, ev := range resp.Approvals {
		fmt.Printf("%-38s %-73s %s\n", ev.Handle, ev.Fingerprint, ev.IssuedFor)
	}

	return nil
}

func runApprovalsResolve(cmd *cobra.Command, args []string) error {
	verdict, err := approval.ParseVerdict(args[1])
	if err != nil {
		return err
	}

	client, err := newAPIClient(30 * time.Second)
	if err != nil {
		return err
	}

	if err := resolve(cmd, client, args[0], verdict); err != nil {
		return err
	}

	fmt.Printf("Approval %s: %s\n", args[0], verdict)
	return nil
}

func runApprovalsWatch(cmd *cobra.Command, args []string) error {
	// the stream stays open indefinitely
	client, err := newAPIClient(0)
	if err != nil {
		return err
	}

	req, err := client.newRequest(cmd.Context(), http.MethodGet, "/v1/approvals/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to attach: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeResponse(resp, nil)
	}

	err = readEvents(resp.Body, func(event, data string) error {
		switch event {
		case "ready":
			fmt.Println("Attached, waiting for approval requests (Ctrl-C to detach)")
		case "approval":
			var ev handlers.ApprovalEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return fmt.Errorf("malformed approval event: %w", err)
			}
			return answer(cmd, client, ev)
		}
		return nil
	})
	if errors.Is(err, io.ErrUnexpectedEOF) || cmd.Context().Err() != nil {
		return nil
	}
	return err
}

// answer shows one request and sends the operator's verdict
func answer(cmd *cobra.Command, client *apiClient, ev handlers.ApprovalEvent) error {
	fmt.Println()
	fmt.Println(ev.Prompt)

	verdict := approval.Cancel
	line, err := prompt("[y/N] ")
	if err != nil {
		return err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		verdict = approval.Proceed
	}

	if err := resolve(cmd, client, ev.Handle, verdict); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			fmt.Println("Request is no longer outstanding")
			return nil
		}
		return err
	}

	fmt.Printf("Sent %s\n", verdict)
	return nil
}

// resolve posts a verdict, asking for a gate code when the server wants one
// and none can be computed.
func resolve(cmd *cobra.Command, client *apiClient, handle string, verdict approval.Verdict) error {
	path := "/v1/approvals/" + url.PathEscape(handle)
	body := map[string]string{"verdict": verdict.String()}

	code, err := gateCode()
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		headers := map[string]string{}
		if code != "" {
			headers[middleware.GateCodeHeader] = code
		}

		err := client.do(cmd.Context(), http.MethodPost, path, body, nil, headers)

		var apiErr *apiError
		if attempt < 2 && errors.As(err, &apiErr) && apiErr.Code == "gate_locked" {
			if code, err = prompt("Gate code: "); err != nil {
				return err
			}
			continue
		}
		return err
	}
}

func gateCode() (string, error) {
	if code := viper.GetString("gate_code"); code != "" {
		return code, nil
	}
	if secret := viper.GetString("gate_secret"); secret != "" {
		code, err := totp.GenerateCode(secret, time.Now())
		if err != nil {
			return "", fmt.Errorf("failed to compute gate code: %w", err)
		}
		return code, nil
	}
	return "", nil
}

func prompt(label string) (string, error) {
	fmt.Print(label)
	line, err := stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// readEvents parses a text/event-stream body and calls fn for every event
// that carries data. It returns io.ErrUnexpectedEOF when the stream ends.
func readEvents(r io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	// approval events carry the PEM and can exceed the default line limit
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var event string
	var data []string

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if len(data) > 0 {
				name := event
				if name == "" {
					name = "message"
				}
				if err := fn(name, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
			// comment
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				data = append(data, value)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
