// issue-api-token mints a signed operator token for the admin API. The
// secret must match the control plane's API_TOKEN_SECRET.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stormstack/controlplane/pkg/security"
)

var (
	flagUser   string
	flagRoles  []string
	flagSecret string
	flagTTL    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "issue-api-token",
	Short: "Mint a signed StormStack API token",
	Long: `Mints an HMAC-signed bearer token the control plane accepts as an
alternative to the static control plane token. The token is printed to
stdout so it can be piped into deployment tooling.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagUser == "" {
			return fmt.Errorf("--user is required")
		}
		if flagSecret == "" {
			flagSecret = os.Getenv("API_TOKEN_SECRET")
		}
		if flagSecret == "" {
			return fmt.Errorf("--secret or API_TOKEN_SECRET is required")
		}

		claims := security.Claims{
			User:     flagUser,
			Roles:    flagRoles,
			IssuedAt: time.Now().UTC(),
		}
		if flagTTL > 0 {
			claims.ExpiresAt = claims.IssuedAt.Add(flagTTL)
		}

		token, err := security.Sign(claims, flagSecret)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagUser, "user", "", "user the token identifies")
	rootCmd.Flags().StringSliceVar(&flagRoles, "roles", nil, "comma-separated roles to embed")
	rootCmd.Flags().StringVar(&flagSecret, "secret", "", "signing secret (defaults to API_TOKEN_SECRET)")
	rootCmd.Flags().DurationVar(&flagTTL, "ttl", 0, "token lifetime, zero means no expiry")
	rootCmd.SilenceUsage = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
