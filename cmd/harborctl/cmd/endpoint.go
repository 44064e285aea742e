package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_intake/internal/store"
)

// endpointCmd represents the endpoint command
var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage webhook endpoints",
	Long:  `Create, list and delete the delivery endpoints a tenant's webhooks are forwarded to.`,
}

var endpointCreateCmd = &cobra.Command{
	Use:   "create [tenant-id] [url]",
	Short: "Register a destination URL for a tenant",
	Long: `Register a destination URL for a tenant. Senders post to
/webhooks/{endpoint-id} and the event is delivered to the URL.

Example:
  harborctl endpoint create 7b1e... https://example.com/hooks --name orders`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		ctx, cancel := commandContext(cmd)
		defer cancel()

		var ep store.Endpoint
		body := map[string]string{"url": args[1], "name": name}
		path := "/v1/tenants/" + url.PathEscape(args[0]) + "/endpoints"
		if err := doJSON(ctx, http.MethodPost, path, body, &ep, nil); err != nil {
			return fmt.Errorf("failed to create endpoint: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, ep)
			return nil
		}
		fmt.Fprintf(out, "Created endpoint: %s\n", ep.ID)
		fmt.Fprintf(out, "  URL: %s\n", ep.URL)
		fmt.Fprintf(out, "  Intake path: /webhooks/%s\n", ep.ID)
		return nil
	},
}

var endpointListCmd = &cobra.Command{
	Use:   "list [tenant-id]",
	Short: "List a tenant's endpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var resp struct {
			Endpoints []store.Endpoint `json:"endpoints"`
		}
		path := "/v1/tenants/" + url.PathEscape(args[0]) + "/endpoints"
		if err := doJSON(ctx, http.MethodGet, path, nil, &resp, nil); err != nil {
			return fmt.Errorf("failed to list endpoints: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		if len(resp.Endpoints) == 0 {
			fmt.Fprintln(out, "No endpoints")
			return nil
		}
		for _, ep := range resp.Endpoints {
			fmt.Fprintf(out, "%s  %s", ep.ID, ep.URL)
			if ep.Name != "" {
				fmt.Fprintf(out, "  (%s)", ep.Name)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var endpointDeleteCmd = &cobra.Command{
	Use:   "delete [endpoint-id]",
	Short: "Delete an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		if err := doJSON(ctx, http.MethodDelete, "/v1/endpoints/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
			return fmt.Errorf("failed to delete endpoint: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted endpoint: %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(endpointCreateCmd)
	endpointCmd.AddCommand(endpointListCmd)
	endpointCmd.AddCommand(endpointDeleteCmd)

	endpointCreateCmd.Flags().String("name", "", "optional endpoint label")
}
