package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the intake service",
	Long:  `Check the health status of the intake service and its dependencies via /healthz.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		resp, err := makeHTTPRequest(ctx, http.MethodGet, "/healthz", nil, nil)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		defer resp.Body.Close()

		out := cmd.OutOrStdout()
		data, _ := io.ReadAll(resp.Body)
		if outputJSON {
			var v any
			if json.Unmarshal(data, &v) == nil {
				printOutput(out, v)
				return nil
			}
		}

		if resp.StatusCode == http.StatusOK {
			fmt.Fprintln(out, "✓ Service is healthy")
		} else {
			fmt.Fprintf(out, "✗ Service is unhealthy (HTTP %d)\n", resp.StatusCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
