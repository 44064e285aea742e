package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_intake/internal/store"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Send and inspect webhook events",
	Long:  `Send test webhooks through the intake endpoint and inspect stored events.`,
}

type sendResponse struct {
	Success    bool   `json:"success"`
	EventID    string `json:"eventId"`
	ReceivedAt string `json:"receivedAt"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

var eventSendCmd = &cobra.Command{
	Use:   "send [endpoint-id] [payload-json]",
	Short: "Send a webhook to an endpoint",
	Long: `Send a webhook the way an external sender would, authenticated with the
tenant's credential.

Example:
  harborctl event send 0b6f... '{"order":42}' --key pk_abc --idempotency-key order-42`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		header, _ := cmd.Flags().GetString("credential-header")
		idempotencyKey, _ := cmd.Flags().GetString("idempotency-key")
		if key == "" {
			return fmt.Errorf("--key is required")
		}

		var body any
		if len(args) == 2 {
			payload, err := parseJSON(args[1])
			if err != nil {
				return fmt.Errorf("invalid payload JSON: %w", err)
			}
			body = payload
		}

		headers := map[string]string{header: key}
		if idempotencyKey != "" {
			headers["Idempotency-Key"] = idempotencyKey
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		var resp sendResponse
		if err := doJSON(ctx, http.MethodPost, "/webhooks/"+url.PathEscape(args[0]), body, &resp, headers); err != nil {
			return fmt.Errorf("failed to send webhook: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		if resp.Duplicate {
			fmt.Fprintf(out, "Duplicate of event: %s\n", resp.EventID)
		} else {
			fmt.Fprintf(out, "Accepted event: %s\n", resp.EventID)
		}
		fmt.Fprintf(out, "  Received: %s\n", resp.ReceivedAt)
		return nil
	},
}

type eventResponse struct {
	Event    store.Event           `json:"event"`
	Delivery *store.DeliveryRecord `json:"delivery,omitempty"`
}

var eventGetCmd = &cobra.Command{
	Use:   "get [event-id]",
	Short: "Show a stored event and its delivery status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var resp eventResponse
		if err := doJSON(ctx, http.MethodGet, "/v1/events/"+url.PathEscape(args[0]), nil, &resp, nil); err != nil {
			return fmt.Errorf("failed to get event: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		ev := resp.Event
		fmt.Fprintf(out, "Event: %s\n", ev.ID)
		fmt.Fprintf(out, "  Tenant: %s\n", ev.TenantID)
		fmt.Fprintf(out, "  Endpoint: %s\n", ev.EndpointID)
		fmt.Fprintf(out, "  Method: %s\n", ev.Method)
		fmt.Fprintf(out, "  Received: %s\n", ev.ReceivedAt.Format("2006-01-02 15:04:05"))
		if ev.IdempotencyKey != nil {
			fmt.Fprintf(out, "  Idempotency key: %s\n", *ev.IdempotencyKey)
		}
		fmt.Fprintf(out, "  Body: %s\n", string(ev.Body))
		if d := resp.Delivery; d != nil {
			fmt.Fprintf(out, "  Delivery: %s (%d attempts)\n", d.Status, d.Attempts)
			if d.LastError != "" {
				fmt.Fprintf(out, "    Last error: %s\n", d.LastError)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(eventSendCmd)
	eventCmd.AddCommand(eventGetCmd)

	eventSendCmd.Flags().String("key", "", "tenant credential")
	eventSendCmd.Flags().String("credential-header", "X-Project-Key", "header the credential is sent in")
	eventSendCmd.Flags().String("idempotency-key", "", "idempotency key for deduplication")
}
