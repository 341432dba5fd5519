package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/jwtrust/internal/federation"
)

// ── entity ───────────────────────────────────────────────────────────────────

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Inspect OpenID Federation entities",
}

var entityFetchCmd = &cobra.Command{
	Use:   "fetch <entity-id>",
	Short: "Fetch and verify an entity configuration",
	Long: `Fetch {entity-id}/.well-known/openid-federation, check that it is
self-signed by one of its own keys and still valid, and print its claims:

  trustctl entity fetch https://rp.example`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tk := newToolkit(nil)
		claims, err := tk.federation.FetchEntityConfiguration(cmd.Context(), args[0], tk.verifyFunc())
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(claims)
		}

		fmt.Printf("Entity:          %s\n", claims.Subject)
		if claims.ExpiresAt != nil {
			fmt.Printf("Expires:         %s\n", claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
		}
		if claims.JWKS != nil {
			fmt.Printf("Federation keys: %d\n", len(claims.JWKS.Keys))
		}
		for _, hint := range claims.AuthorityHints {
			fmt.Printf("Authority hint:  %s\n", hint)
		}
		if ep := claims.FetchEndpoint(); ep != "" {
			fmt.Printf("Fetch endpoint:  %s\n", ep)
		}
		if rp := claims.RelyingPartyKeys(); rp != nil {
			fmt.Printf("RP keys:         %d\n", len(rp))
		}
		return nil
	},
}

// ── chains ───────────────────────────────────────────────────────────────────

var chainsAnchors []string

var chainsCmd = &cobra.Command{
	Use:   "chains <entity-id>",
	Short: "Resolve the trust chains from an entity to trusted anchors",
	Long: `Walk authority_hints from the entity's configuration up to any of the
--anchor entities and list every verified chain found:

  trustctl chains https://rp.example --anchor https://anchor.example`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(chainsAnchors) == 0 {
			return fmt.Errorf("at least one --anchor is required")
		}
		tk := newToolkit(nil)
		chains, err := tk.federation.ResolveTrustChains(cmd.Context(), args[0], chainsAnchors, tk.verifyFunc())
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(chainSummaries(chains))
		}
		if len(chains) == 0 {
			fmt.Println("no trust chain found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ANCHOR\tSTATEMENTS\tPATH\tEXPIRES")
		for _, s := range chainSummaries(chains) {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.Anchor, s.Statements, s.Path, s.ExpiresAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

type chainSummary struct {
	Anchor     string    `json:"anchor"`
	Statements int       `json:"statements"`
	Path       string    `json:"path"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func chainSummaries(chains []federation.TrustChain) []chainSummary {
	out := make([]chainSummary, 0, len(chains))
	for _, c := range chains {
		path := ""
		for i, s := range c.Statements {
			if i > 0 {
				path += " <- "
			}
			path += s.Claims.Issuer
		}
		out = append(out, chainSummary{
			Anchor:     c.TrustAnchorID,
			Statements: len(c.Statements),
			Path:       path,
			ExpiresAt:  c.ExpiresAt().UTC(),
		})
	}
	return out
}

func init() {
	chainsCmd.Flags().StringSliceVar(&chainsAnchors, "anchor", nil, "Trusted anchor entity identifier (repeatable)")
	entityCmd.AddCommand(entityFetchCmd)
}
