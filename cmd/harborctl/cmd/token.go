package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_intake/internal/auth"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue admin tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign an admin JWT with a local RSA private key",
	Long: `Sign an RS256 admin token offline. The intake service must be configured
with the matching public key (ADMIN_JWT_PUBLIC_KEY).

Example:
  export JWT_TOKEN=$(harborctl token issue --private-key admin.pem --subject ops)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("private-key")
		subject, _ := cmd.Flags().GetString("subject")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if keyPath == "" {
			return fmt.Errorf("--private-key is required")
		}
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("failed to read private key: %w", err)
		}

		token, err := auth.IssueAdminToken(string(pem), issuer, audience, subject, ttl)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, map[string]string{
				"token":     token,
				"expiresAt": time.Now().Add(ttl).UTC().Format(time.RFC3339),
			})
			return nil
		}
		fmt.Fprintln(out, token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)

	tokenIssueCmd.Flags().String("private-key", "", "path to a PEM RSA private key")
	tokenIssueCmd.Flags().String("subject", "harborctl", "token subject")
	tokenIssueCmd.Flags().String("issuer", "harborhook", "token issuer")
	tokenIssueCmd.Flags().String("audience", "harborhook-admin", "token audience")
	tokenIssueCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
}
