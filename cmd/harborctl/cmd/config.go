package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_intake/internal/auth"
)

// settingKeys are the keys harborctl reads from its config file.
var settingKeys = []string{"server", "timeout", "json", "pretty", "token"}

// tokenInfo is what harborctl can tell about an admin token without the
// intake service's public key.
type tokenInfo struct {
	Subject   string    `json:"subject"`
	Issuer    string    `json:"issuer"`
	Audience  []string  `json:"audience"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// inspectToken decodes an admin JWT without verifying its signature. The
// returned info is filled in whenever the token parses.
func inspectToken(raw string, now time.Time) (tokenInfo, error) {
	claims := &auth.AdminClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return tokenInfo{}, fmt.Errorf("not a JWT: %w", err)
	}
	info := tokenInfo{
		Subject:  claims.Subject,
		Issuer:   claims.Issuer,
		Audience: claims.Audience,
		Scope:    claims.Scope,
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.UTC()
	}
	switch {
	case claims.Scope != auth.AdminScope:
		return info, auth.ErrInsufficientScope
	case info.ExpiresAt.IsZero():
		return info, errors.New("token has no expiry")
	case !info.ExpiresAt.After(now):
		return info, fmt.Errorf("token expired at %s", info.ExpiresAt.Format(time.RFC3339))
	}
	return info, nil
}

// parseSetting validates value for key and returns what is written to the
// config file.
func parseSetting(key, value string) (any, error) {
	switch key {
	case "server":
		u, err := url.Parse(baseURL(value))
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("server %q is not a host:port or http(s) URL", value)
		}
		return value, nil
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("timeout %q is not a positive duration", value)
		}
		return d.String(), nil
	case "json", "pretty":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s expects true or false, got %q", key, value)
		}
		return b, nil
	case "token":
		if _, err := inspectToken(value, time.Now()); err != nil {
			return nil, fmt.Errorf("token rejected: %w", err)
		}
		return value, nil
	}
	return nil, fmt.Errorf("unknown key %q (valid keys: %s)", key, strings.Join(settingKeys, ", "))
}

// configFilePath is --config when given, else $HOME/.harborctl.yaml.
func configFilePath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".harborctl.yaml"), nil
}

// writeSetting updates one key in the config file and keeps the others.
func writeSetting(path, key string, value any) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	v.Set(key, value)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

type checkResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// runChecks resolves the effective settings against the intake service.
func runChecks(ctx context.Context) []checkResult {
	var results []checkResult
	add := func(name string, ok bool, format string, args ...any) {
		results = append(results, checkResult{Name: name, OK: ok, Detail: fmt.Sprintf(format, args...)})
	}

	target := baseURL(serverAddr)
	if u, err := url.Parse(target); err != nil || u.Host == "" {
		add("server", false, "%q is not a valid address", serverAddr)
		return results
	}
	add("server", true, "%s", target)

	resp, err := makeHTTPRequest(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		add("healthz", false, "%v", err)
	} else {
		resp.Body.Close()
		add("healthz", resp.StatusCode == http.StatusOK, "HTTP %d", resp.StatusCode)
	}

	if jwtToken == "" {
		add("token", true, "not set; admin commands will be rejected")
	} else if info, err := inspectToken(jwtToken, time.Now()); err != nil {
		add("token", false, "%v", err)
	} else {
		add("token", true, "subject %s, issuer %s, expires in %s",
			info.Subject, info.Issuer, time.Until(info.ExpiresAt).Round(time.Second))
		if err := doJSON(ctx, http.MethodGet, "/v1/queue/stats", nil, nil, nil); err != nil {
			add("admin", false, "%v", err)
		} else {
			add("admin", true, "token accepted")
		}
	}

	if prettyJSON {
		add("jq", checkJQAvailable(), "needed for --pretty")
	}
	return results
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show, change and verify harborctl settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the settings in effect after flags, env and config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configFilePath()
		if err != nil {
			return err
		}
		settings := map[string]any{
			"server":  baseURL(serverAddr),
			"timeout": timeout.String(),
			"json":    outputJSON,
			"pretty":  prettyJSON,
			"file":    path,
		}
		if jwtToken != "" {
			info, err := inspectToken(jwtToken, time.Now())
			if err != nil {
				settings["token"] = "invalid: " + err.Error()
			} else {
				settings["token"] = info
			}
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, settings)
			return nil
		}
		fmt.Fprintf(out, "server:  %s\n", settings["server"])
		fmt.Fprintf(out, "timeout: %s\n", settings["timeout"])
		fmt.Fprintf(out, "json:    %v\n", outputJSON)
		fmt.Fprintf(out, "pretty:  %v\n", prettyJSON)
		switch t := settings["token"].(type) {
		case nil:
			fmt.Fprintln(out, "token:   (none)")
		case tokenInfo:
			fmt.Fprintf(out, "token:   %s, expires %s\n", t.Subject, t.ExpiresAt.Format(time.RFC3339))
		default:
			fmt.Fprintf(out, "token:   %v\n", t)
		}
		fmt.Fprintf(out, "file:    %s\n", path)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Validate and store one setting",
	Long: `Validate a setting and store it in the config file.

Keys: server, timeout, json, pretty, token. A token must be an unexpired
admin JWT, such as one printed by "harborctl token issue".`,
	Args: cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return settingKeys, cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := parseSetting(args[0], args[1])
		if err != nil {
			return err
		}
		path, err := configFilePath()
		if err != nil {
			return err
		}
		if err := writeSetting(path, args[0], value); err != nil {
			return err
		}
		if args[0] == "pretty" && value == true && !checkJQAvailable() {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: jq not found in PATH, output stays unformatted")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s saved to %s\n", args[0], path)
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the server address, its health and the admin token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		results := runChecks(ctx)
		failed := 0
		for _, r := range results {
			if !r.OK {
				failed++
			}
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, results)
		} else {
			for _, r := range results {
				mark := "✓"
				if !r.OK {
					mark = "✗"
				}
				fmt.Fprintf(out, "%s %-8s %s\n", mark, r.Name, r.Detail)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d checks failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configCheckCmd)
}
