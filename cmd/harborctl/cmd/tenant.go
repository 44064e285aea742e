package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_intake/internal/store"
)

// tenantCmd represents the tenant command
var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
	Long:  `Create, inspect and delete tenants (projects) and their credentials.`,
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a tenant",
	Long: `Create a tenant. A credential is generated unless --credential is given.
The credential is only shown once.

Example:
  harborctl tenant create acme
  harborctl tenant create acme --credential pk_acme_test`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		credential, _ := cmd.Flags().GetString("credential")

		ctx, cancel := commandContext(cmd)
		defer cancel()

		var t store.Tenant
		body := map[string]string{"name": args[0], "credential": credential}
		if err := doJSON(ctx, http.MethodPost, "/v1/tenants", body, &t, nil); err != nil {
			return fmt.Errorf("failed to create tenant: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, t)
			return nil
		}
		fmt.Fprintf(out, "Created tenant: %s\n", t.ID)
		fmt.Fprintf(out, "  Name: %s\n", t.Name)
		fmt.Fprintf(out, "  Credential: %s\n", t.Credential)
		return nil
	},
}

var tenantGetCmd = &cobra.Command{
	Use:   "get [tenant-id]",
	Short: "Show a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var t store.Tenant
		if err := doJSON(ctx, http.MethodGet, "/v1/tenants/"+url.PathEscape(args[0]), nil, &t, nil); err != nil {
			return fmt.Errorf("failed to get tenant: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, t)
			return nil
		}
		fmt.Fprintf(out, "Tenant: %s\n", t.ID)
		fmt.Fprintf(out, "  Name: %s\n", t.Name)
		fmt.Fprintf(out, "  Created: %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var tenantDeleteCmd = &cobra.Command{
	Use:   "delete [tenant-id]",
	Short: "Delete a tenant with its endpoints and events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		if err := doJSON(ctx, http.MethodDelete, "/v1/tenants/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
			return fmt.Errorf("failed to delete tenant: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted tenant: %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tenantCmd)
	tenantCmd.AddCommand(tenantCreateCmd)
	tenantCmd.AddCommand(tenantGetCmd)
	tenantCmd.AddCommand(tenantDeleteCmd)

	tenantCreateCmd.Flags().String("credential", "", "use this credential instead of generating one")
}
