package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/meigma/pullkit"
)

// errNoTokenRequired is returned by "pullkit token" for open registries.
var errNoTokenRequired = errors.New("registry does not require a token")

var (
	tokenAction string
	tokenJSON   bool
)

var tokenCmd = &cobra.Command{
	Use:   "token <repository>",
	Short: "Request a bearer token for a repository",
	Long: `Token requests a bearer token that grants --action on a repository
and prints it.

Without --auth-url the token service is discovered from the registry's
WWW-Authenticate challenge.

Examples:
  pullkit token library/alpine
  pullkit token --registry ghcr.io --json org/app`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenAction, "action", auth.ActionPull, "Comma-separated actions to request")
	tokenCmd.Flags().BoolVar(&tokenJSON, "json", false, "Print the token with its expiry as JSON")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, _, _, err := setup(ctx, args[0], tokenAction)
	if err != nil {
		return err
	}
	tok := client.Token()
	if tok == nil {
		return errNoTokenRequired
	}
	return printToken(cmd.OutOrStdout(), tok, tokenJSON)
}

type tokenOutput struct {
	Token     string     `json:"token"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func printToken(w io.Writer, tok *pullkit.Token, asJSON bool) error {
	if !asJSON {
		_, err := fmt.Fprintln(w, tok.Value)
		return err
	}
	out := tokenOutput{Token: tok.Value, IssuedAt: tok.IssuedAt}
	if !tok.ExpiresAt.IsZero() {
		out.ExpiresAt = &tok.ExpiresAt
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
