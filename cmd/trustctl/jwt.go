package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/jwtrust/internal/did"
	"github.com/jmerrifield20/jwtrust/internal/keys"
	"github.com/jmerrifield20/jwtrust/internal/trust"
)

var errInvalidToken = errors.New("token is not valid")

// ── sign ─────────────────────────────────────────────────────────────────────

var (
	signKeyPath string
	signMethod  string
	signChain   string
	signIssuer  string
	signHeader  string
	signPayload string
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a JWT under a trust method",
	Long: `Sign a payload with --key. The method decides what the verifier needs:

  jwk   the public key is embedded in the header
  did   the header carries the did:key URL of the key
  x5c   the header carries the chain from --chain; --issuer must match a SAN

  trustctl sign --key issuer.pem --method x5c --chain chain.json \
      --issuer https://issuer.example --payload '{"sub":"alice"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tk := newToolkit(nil)
		signer, _, err := loadSigner(signKeyPath)
		if err != nil {
			return err
		}
		key, err := tk.wallet.Import(signer)
		if err != nil {
			return err
		}
		var chain []string
		if signChain != "" {
			data, err := os.ReadFile(signChain)
			if err != nil {
				return fmt.Errorf("read chain: %w", err)
			}
			if err := json.Unmarshal(data, &chain); err != nil {
				return fmt.Errorf("decode chain: %w", err)
			}
		}
		desc, err := issuerFor(signMethod, key, chain, signIssuer)
		if err != nil {
			return err
		}
		header, err := readJSONArg(signHeader)
		if err != nil {
			return fmt.Errorf("header: %w", err)
		}
		payload, err := readJSONArg(signPayload)
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}

		token, err := signToken(cmd.Context(), tk.dispatcher, desc, header, payload)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

// issuerFor builds the issuer descriptor of a sign invocation.
func issuerFor(method string, key keys.Key, chain []string, issuer string) (trust.IssuerDescriptor, error) {
	switch method {
	case trust.MethodJwk:
		j, err := keys.JwkFromKey(key)
		if err != nil {
			return nil, err
		}
		return trust.IssuerJwk{Jwk: j}, nil
	case trust.MethodDid:
		return trust.IssuerDid{DidURL: did.KeyDocument(key).VerificationMethod[0].ID}, nil
	case trust.MethodX5c:
		if len(chain) == 0 || issuer == "" {
			return nil, errors.New("x5c signing needs --chain and --issuer")
		}
		return trust.IssuerCertificateChain{Chain: chain, Issuer: issuer}, nil
	default:
		return nil, fmt.Errorf("%w: %q", trust.ErrUnsupportedMethod, method)
	}
}

func signToken(ctx context.Context, d *trust.Dispatcher, desc trust.IssuerDescriptor, header, payload map[string]any) (string, error) {
	rt, err := d.Normalize(ctx, desc)
	if err != nil {
		return "", err
	}
	return d.Create(ctx, rt, header, payload)
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyMethod  string
	verifyDidURL  string
	verifyEntity  string
	verifyAnchors []string
	verifyRoots   string
	verifyServer  string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <jwt>",
	Short: "Verify a JWT under a trust method",
	Long: `Verify a compact JWT. Exits non-zero when the token does not verify.

  trustctl verify --method did --did 'did:web:issuer.example#key-1' <jwt>
  trustctl verify --method openid-federation --entity https://rp.example \
      --anchor https://anchor.example <jwt>

With --server the verification runs on a trustd instance instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, err := verifierFor(verifyMethod, verifyDidURL, verifyEntity, verifyAnchors)
		if err != nil {
			return err
		}
		token := strings.TrimSpace(args[0])

		var valid bool
		if verifyServer != "" {
			valid, err = verifyRemote(cmd.Context(), verifyServer, desc, token)
		} else {
			roots, rootsErr := loadRoots(verifyRoots)
			if rootsErr != nil {
				return rootsErr
			}
			valid, err = newToolkit(roots).dispatcher.Verify(cmd.Context(), desc, token)
		}
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			if err := printJSON(map[string]any{"valid": valid, "method": desc.Method()}); err != nil {
				return err
			}
		} else if valid {
			fmt.Println("valid")
		}
		if !valid {
			return errInvalidToken
		}
		return nil
	},
}

// verifierFor builds the verifier descriptor of a verify invocation.
func verifierFor(method, didURL, entityID string, anchors []string) (trust.VerifierDescriptor, error) {
	switch method {
	case trust.MethodDid:
		return trust.VerifierDid{DidURL: didURL}, nil
	case trust.MethodX5c:
		return trust.VerifierCertificate{}, nil
	case trust.MethodJwk:
		return trust.VerifierJwk{}, nil
	case trust.MethodFederation:
		return trust.VerifierFederation{EntityID: entityID, TrustedAnchorIDs: anchors}, nil
	default:
		return nil, fmt.Errorf("%w: %q", trust.ErrUnsupportedMethod, method)
	}
}

func verifyRemote(ctx context.Context, server string, desc trust.VerifierDescriptor, token string) (bool, error) {
	verifier, err := trust.MarshalVerifier(desc)
	if err != nil {
		return false, err
	}
	body, err := json.Marshal(map[string]any{"verifier": json.RawMessage(verifier), "token": token})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(server, "/")+"/api/v1/jwt/verify", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: httpTimeout}).Do(req)
	if err != nil {
		return false, fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err
	}

	var out struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return false, fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("server rejected the request (HTTP %d): %s", resp.StatusCode, out.Error)
	}
	return out.Valid, nil
}

func init() {
	signCmd.Flags().StringVar(&signKeyPath, "key", "", "PEM private key to sign with")
	signCmd.Flags().StringVar(&signMethod, "method", trust.MethodJwk, "Trust method: jwk, did or x5c")
	signCmd.Flags().StringVar(&signChain, "chain", "", "x5c chain file written by 'cert issue'")
	signCmd.Flags().StringVar(&signIssuer, "issuer", "", "Issuer URL for x5c signing")
	signCmd.Flags().StringVar(&signHeader, "header", "", "Extra protected header, JSON or @file")
	signCmd.Flags().StringVar(&signPayload, "payload", "", "Payload, JSON or @file")
	_ = signCmd.MarkFlagRequired("key")

	verifyCmd.Flags().StringVar(&verifyMethod, "method", trust.MethodJwk, "Trust method: did, x5c, jwk or openid-federation")
	verifyCmd.Flags().StringVar(&verifyDidURL, "did", "", "DID URL of the signing key (did method)")
	verifyCmd.Flags().StringVar(&verifyEntity, "entity", "", "Entity identifier of the signer (openid-federation method)")
	verifyCmd.Flags().StringSliceVar(&verifyAnchors, "anchor", nil, "Trusted anchor entity identifier (repeatable)")
	verifyCmd.Flags().StringVar(&verifyRoots, "roots", "", "PEM file of trusted roots for x5c chains")
	verifyCmd.Flags().StringVar(&verifyServer, "server", "", "Verify on a trustd instance at this URL")
}
