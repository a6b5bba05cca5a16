// Command keys manages the RSA key pairs used to verify access tokens.
// Private keys belong to the identity service that signs tokens; this tool
// exists so development setups can mint a matching pair locally.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Solvire/gramline/internal/config"
	"github.com/Solvire/gramline/internal/domain/auth"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	envConfig := config.LoadEnv()
	cfg, err := config.Load(envConfig.ConfigPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		if err := generateKey(cfg.Auth.KeysPath, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "list":
		if err := listKeys(cfg.Auth.KeysPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: keys <subcommand> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Subcommands:\n")
	fmt.Fprintf(os.Stderr, "  generate              Generate a new RSA key pair\n")
	fmt.Fprintf(os.Stderr, "    -kid <id>           Key ID (required)\n")
	fmt.Fprintf(os.Stderr, "    -bits <size>        Key size: 2048, 3072, or 4096 (default: 2048)\n")
	fmt.Fprintf(os.Stderr, "  list                  List all available verification keys\n")
}

func generateKey(keysPath string, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	kid := fs.String("kid", "", "Key ID (required)")
	bits := fs.Int("bits", 2048, "Key size in bits (2048, 3072, or 4096)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *kid == "" {
		return fmt.Errorf("key ID is required")
	}
	if *bits != 2048 && *bits != 3072 && *bits != 4096 {
		return fmt.Errorf("key size must be 2048, 3072, or 4096")
	}

	if err := os.MkdirAll(keysPath, 0700); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}

	privPath := filepath.Join(keysPath, fmt.Sprintf("private-%s.pem", *kid))
	pubPath := filepath.Join(keysPath, fmt.Sprintf("public-%s.pem", *kid))

	if _, err := os.Stat(privPath); err == nil {
		return fmt.Errorf("key with ID %s already exists at %s", *kid, privPath)
	}

	fmt.Printf("Generating %d-bit RSA key pair...\n", *bits)
	privateKey, err := rsa.GenerateKey(rand.Reader, *bits)
	if err != nil {
		return fmt.Errorf("failed to generate RSA key: %w", err)
	}

	fPriv, err := os.OpenFile(privPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if err := pem.Encode(fPriv, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}); err != nil {
		fPriv.Close()
		return err
	}
	if err := fPriv.Close(); err != nil {
		return err
	}

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return err
	}
	fPub, err := os.OpenFile(pubPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if err := pem.Encode(fPub, &pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes}); err != nil {
		fPub.Close()
		return err
	}
	if err := fPub.Close(); err != nil {
		return err
	}

	fmt.Printf("Key pair generated successfully\n")
	fmt.Printf("  Key ID:  %s\n", *kid)
	fmt.Printf("  Private: %s\n", privPath)
	fmt.Printf("  Public:  %s\n", pubPath)
	return nil
}

func listKeys(keysPath string) error {
	keyStore, err := auth.LoadKeys(keysPath)
	if err != nil {
		return err
	}

	set := keyStore.JWKS()
	fmt.Printf("Keys in %s:\n\n", keysPath)
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid, _ := key.KeyID()
		fmt.Printf("  %s (public-%s.pem)\n", kid, kid)
	}
	return nil
}
