package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/jwtrust/internal/certificate"
	"github.com/jmerrifield20/jwtrust/internal/did"
	"github.com/jmerrifield20/jwtrust/internal/keys"
)

// ── keygen ───────────────────────────────────────────────────────────────────

var (
	keygenType string
	keygenOut  string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key and print its did:key and JWK",
	Long: `Generate a private key, store it as PKCS#8 PEM and print the public
forms trust descriptors refer to:

  trustctl keygen --type P-256 --out issuer.pem`,
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := keys.GenerateSigner(keys.KeyType(keygenType))
		if err != nil {
			return err
		}
		data, err := keys.EncodePrivateKeyPEM(signer)
		if err != nil {
			return err
		}
		if err := os.WriteFile(keygenOut, data, 0o600); err != nil {
			return fmt.Errorf("write key: %w", err)
		}

		key, err := keys.FromPublicKey(signer.Public())
		if err != nil {
			return err
		}
		return printKey(key)
	},
}

func printKey(key keys.Key) error {
	j, err := keys.JwkFromKey(key)
	if err != nil {
		return err
	}
	raw, err := j.MarshalJSON()
	if err != nil {
		return err
	}
	didURL := did.KeyDocument(key).VerificationMethod[0].ID

	if outputFormat == "json" {
		return printJSON(map[string]any{
			"type":        key.Type,
			"fingerprint": key.Fingerprint(),
			"did_url":     didURL,
			"jwk":         json.RawMessage(raw),
		})
	}
	fmt.Printf("Type:        %s\n", key.Type)
	fmt.Printf("Fingerprint: %s\n", key.Fingerprint())
	fmt.Printf("DID URL:     %s\n", didURL)
	fmt.Printf("JWK:         %s\n", raw)
	return nil
}

// ── cert ─────────────────────────────────────────────────────────────────────

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the local CA and x5c leaf certificates",
}

var (
	certCADir    string
	certKeyPath  string
	certIssuer   string
	certDNSNames []string
	certValidFor time.Duration
	certOut      string
)

var certIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue an x5c chain binding an issuer URL to a key",
	Long: `Issue a leaf certificate for the public half of --key with the issuer URL
as URI SAN, signed by the CA in --ca-dir (created on first use). The chain is
written as a JSON array of base64 DER certificates, leaf first:

  trustctl cert issue --key issuer.pem --issuer https://issuer.example --out chain.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, key, err := loadSigner(certKeyPath)
		if err != nil {
			return err
		}
		host, err := certificate.DomainFromURL(certIssuer)
		if err != nil {
			return err
		}

		ca := certificate.NewAuthority(certCADir, "")
		if err := ca.LoadOrCreate(); err != nil {
			return fmt.Errorf("CA setup failed: %w", err)
		}
		chain, err := ca.IssueChain(key.Public, certificate.LeafRequest{
			CommonName: host,
			URIs:       []string{certIssuer},
			DNSNames:   certDNSNames,
			ValidFor:   certValidFor,
		})
		if err != nil {
			return err
		}

		data, err := json.MarshalIndent(chain, "", "  ")
		if err != nil {
			return err
		}
		if certOut == "" {
			fmt.Println(string(data))
			return nil
		}
		return os.WriteFile(certOut, data, 0o644)
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenType, "type", string(keys.KeyTypeEd25519), "Key type: Ed25519, P-256, P-384, P-521 or RSA")
	keygenCmd.Flags().StringVar(&keygenOut, "out", "", "Path of the PEM file to write")
	_ = keygenCmd.MarkFlagRequired("out")

	certIssueCmd.Flags().StringVar(&certCADir, "ca-dir", "certs", "Directory holding ca.crt and ca.key")
	certIssueCmd.Flags().StringVar(&certKeyPath, "key", "", "PEM private key whose public half is certified")
	certIssueCmd.Flags().StringVar(&certIssuer, "issuer", "", "Issuer URL placed in the URI SAN")
	certIssueCmd.Flags().StringSliceVar(&certDNSNames, "dns", nil, "Additional DNS SANs")
	certIssueCmd.Flags().DurationVar(&certValidFor, "valid-for", 365*24*time.Hour, "Certificate lifetime")
	certIssueCmd.Flags().StringVar(&certOut, "out", "", "Write the chain here instead of stdout")
	_ = certIssueCmd.MarkFlagRequired("key")
	_ = certIssueCmd.MarkFlagRequired("issuer")

	certCmd.AddCommand(certIssueCmd)
}
