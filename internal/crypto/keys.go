// Package crypto provides the CURVE-style authenticated encryption the
// control socket uses when --master-cert and --slaves-certs are configured;
// the log socket is not encrypted. It is built on golang.org/x/crypto/nacl/box
// (Curve25519 + XSalsa20-Poly1305) rather than libsodium's CurveZMQ, since no
// ZeroMQ binding is part of this module's dependency stack. A worker whose
// hostname has no known public key is refused, and every frame after its
// first is authenticated and encrypted between the master's static key and
// that worker's static key.
package crypto

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

// KeyPair is a Curve25519 public/private key pair, as stored in a
// "*.key" certificate file: two base64 lines, public key then private key.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a fresh random key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("crypto: generating key pair: %w", err)
	}
	return KeyPair{Public: *pub, Private: *priv}, nil
}

// LoadKeyPair reads a master or worker certificate file: base64(public key)
// on the first line, base64(private key) on the second.
func LoadKeyPair(path string) (KeyPair, error) {
	lines, err := readNonEmptyLines(path)
	if err != nil {
		return KeyPair{}, err
	}
	if len(lines) < 2 {
		return KeyPair{}, fmt.Errorf("crypto: %s: expected public and private key lines, got %d", path, len(lines))
	}

	var kp KeyPair
	if err := decodeKey(lines[0], &kp.Public); err != nil {
		return KeyPair{}, fmt.Errorf("crypto: %s: public key: %w", path, err)
	}
	if err := decodeKey(lines[1], &kp.Private); err != nil {
		return KeyPair{}, fmt.Errorf("crypto: %s: private key: %w", path, err)
	}
	return kp, nil
}

// Save writes kp to path as public-then-private base64 lines, 0600 so the
// private key is not world-readable.
func (kp KeyPair) Save(path string) error {
	data := base64.StdEncoding.EncodeToString(kp.Public[:]) + "\n" +
		base64.StdEncoding.EncodeToString(kp.Private[:]) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// TrustedKeys is the set of worker public keys this master will accept,
// loaded from every "*.key" file in --slaves-certs. Only the public key line
// is required; a worker certificate distributed to the master need not
// carry its private key.
type TrustedKeys struct {
	byName map[string][32]byte
}

// LoadTrustedKeys reads every "*.key" file in dir, keyed by file basename
// without extension (conventionally the worker hostname).
func LoadTrustedKeys(dir string) (*TrustedKeys, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("crypto: reading slaves-certs dir %s: %w", dir, err)
	}

	tk := &TrustedKeys{byName: make(map[string][32]byte)}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".key" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		lines, err := readNonEmptyLines(path)
		if err != nil {
			return nil, err
		}
		if len(lines) == 0 {
			continue
		}
		var pub [32]byte
		if err := decodeKey(lines[0], &pub); err != nil {
			return nil, fmt.Errorf("crypto: %s: %w", path, err)
		}
		name := strings.TrimSuffix(e.Name(), ".key")
		tk.byName[name] = pub
	}
	return tk, nil
}

// Lookup returns the trusted public key for hostname, if any.
func (tk *TrustedKeys) Lookup(hostname string) ([32]byte, bool) {
	pub, ok := tk.byName[hostname]
	return pub, ok
}

func decodeKey(line string, out *[32]byte) error {
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return fmt.Errorf("invalid base64: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return nil
}

func readNonEmptyLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: opening %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("crypto: reading %s: %w", path, err)
	}
	return lines, nil
}
