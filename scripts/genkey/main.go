// genkey writes an Ed25519 key pair for signing Kobai access tokens.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey [-dir data]
//
// Point KOBAI_JWT_PRIVATE_KEY and KOBAI_JWT_PUBLIC_KEY at the written files.
// Without them the server signs with an ephemeral key, so every restart
// invalidates issued tokens.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "jwt_private.pem"
	publicKeyFile  = "jwt_public.pem"
)

func main() {
	dir := flag.String("dir", "data", "directory to write the key pair into")
	flag.Parse()

	priv, pub, err := writeKeyPair(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "genkey: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("KOBAI_JWT_PRIVATE_KEY=%s\n", priv)
	fmt.Printf("KOBAI_JWT_PUBLIC_KEY=%s\n", pub)
}

// writeKeyPair generates a key pair under dir and returns the two paths.
// Existing keys are never overwritten; rotate by deleting them first.
func writeKeyPair(dir string) (privPath, pubPath string, err error) {
	privPath = filepath.Join(dir, privateKeyFile)
	pubPath = filepath.Join(dir, publicKeyFile)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create %s: %w", dir, err)
	}
	for _, p := range []string{privPath, pubPath} {
		if _, err := os.Stat(p); err == nil {
			return "", "", fmt.Errorf("%s already exists: %w", p, fs.ErrExist)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", "", fmt.Errorf("stat %s: %w", p, err)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return "", "", err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // path is built from a CLI flag
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
