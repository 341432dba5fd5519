package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/certificate"
	"github.com/jmerrifield20/jwtrust/internal/did"
	"github.com/jmerrifield20/jwtrust/internal/federation"
	"github.com/jmerrifield20/jwtrust/internal/keys"
	"github.com/jmerrifield20/jwtrust/internal/signature"
	"github.com/jmerrifield20/jwtrust/internal/trust"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile        string
	didResolverURL string
	httpTimeout    time.Duration
	outputFormat   string
	verbose        bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trustctl",
	Short: "Create and verify JWTs under DID, x5c, JWK and OpenID Federation trust",
	Long: `trustctl is the command-line companion of trustd.

It generates keys, issues x5c leaf certificates from a local CA, signs and
verifies JWTs under each trust method, and inspects OpenID Federation
entities and trust chains.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.jwtrust")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("jwtrust")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if didResolverURL == "" {
			didResolverURL = viper.GetString("did_resolver_url")
		}
		if didResolverURL == "" {
			didResolverURL = "https://dev.uniresolver.io"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.jwtrust/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&didResolverURL, "did-resolver", "", "Universal resolver base URL for non did:key DIDs")
	rootCmd.PersistentFlags().DurationVar(&httpTimeout, "timeout", 10*time.Second, "Timeout for outbound HTTP requests")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log resolution steps to stderr")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(entityCmd)
	rootCmd.AddCommand(chainsCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the trustctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trustctl %s\n", version)
	},
}

// ── shared wiring ────────────────────────────────────────────────────────────

// toolkit is the trust stack a single command runs against.
type toolkit struct {
	wallet     *keys.MemoryWallet
	engine     *signature.Engine
	federation *federation.Resolver
	dispatcher *trust.Dispatcher
}

func newToolkit(roots *x509.CertPool) *toolkit {
	logger := zap.NewNop()
	if verbose {
		logger, _ = zap.NewDevelopment()
	}

	wallet := keys.NewMemoryWallet()
	engine := signature.NewEngine(wallet, roots, logger)
	router := did.MethodRouter{Methods: map[string]did.Resolver{"key": did.KeyMethodResolver{}}}
	if didResolverURL != "" {
		router.Default = did.NewHTTPResolver(didResolverURL, httpTimeout, logger)
	}
	fed := federation.NewResolver(federation.NewClient(httpTimeout), nil, 0, logger)

	return &toolkit{
		wallet:     wallet,
		engine:     engine,
		federation: fed,
		dispatcher: trust.NewDispatcher(trust.Agent{
			Wallet:     wallet,
			Keys:       did.NewKeyResolver(router),
			Signatures: engine,
			Federation: fed,
		}, logger),
	}
}

// verifyFunc checks entity statement signatures with the toolkit's engine.
func (tk *toolkit) verifyFunc() federation.VerifyFunc {
	return func(ctx context.Context, token string, j *keys.Jwk) (bool, error) {
		res, err := tk.engine.Verify(ctx, token, signature.FixedJwk(j))
		return res.IsValid, err
	}
}

func loadSigner(path string) (crypto.Signer, keys.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, keys.Key{}, fmt.Errorf("read key: %w", err)
	}
	signer, err := keys.DecodePrivateKeyPEM(data)
	if err != nil {
		return nil, keys.Key{}, err
	}
	key, err := keys.FromPublicKey(signer.Public())
	return signer, key, err
}

func loadRoots(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roots: %w", err)
	}
	return certificate.LoadPool(data)
}

// readJSONArg decodes a JSON object given inline or as @file.
func readJSONArg(arg string) (map[string]any, error) {
	if arg == "" {
		return map[string]any{}, nil
	}
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode JSON object: %w", err)
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
