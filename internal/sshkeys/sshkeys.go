package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/gluk-w/claworc/forwarder/internal/logutil"
	"golang.org/x/crypto/ssh"
)

const keyComment = "forwarder"

// GenerateKeyPair generates an ED25519 key pair and returns the
// authorized_keys line and the private key in OpenSSH PEM format, which is
// what the ssh client expects in an IdentityFile.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(block)

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// EnsureIdentity makes sure an ssh identity exists at path (private key) and
// path.pub (public key). A missing key pair is generated; a missing public key
// is derived from the private key. It returns the authorized_keys line and
// whether a new key was generated.
func EnsureIdentity(path string) (publicKey string, created bool, err error) {
	priv, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		pub, privPEM, err := GenerateKeyPair()
		if err != nil {
			return "", false, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return "", false, fmt.Errorf("create key directory: %w", err)
		}
		if err := os.WriteFile(path, privPEM, 0600); err != nil {
			return "", false, fmt.Errorf("write private key: %w", err)
		}
		if err := os.WriteFile(path+".pub", pub, 0644); err != nil {
			return "", false, fmt.Errorf("write public key: %w", err)
		}
		log.Printf("[ssh] generated identity %s", logutil.SanitizeForLog(path))
		return string(pub), true, nil
	case err != nil:
		return "", false, fmt.Errorf("read private key: %w", err)
	}

	signer, err := ParsePrivateKey(priv)
	if err != nil {
		return "", false, err
	}
	derived := ssh.MarshalAuthorizedKey(signer.PublicKey())

	stored, err := os.ReadFile(path + ".pub")
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(path+".pub", derived, 0644); err != nil {
			return "", false, fmt.Errorf("write public key: %w", err)
		}
		return string(derived), false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read public key: %w", err)
	}
	if err := VerifyFingerprint(stored, ssh.FingerprintSHA256(signer.PublicKey())); err != nil {
		return "", false, fmt.Errorf("%s.pub does not belong to %s: %w", path, path, err)
	}
	return string(stored), false, nil
}

// LoadPublicKey reads path.pub and returns it in authorized_keys format.
func LoadPublicKey(path string) (string, error) {
	data, err := os.ReadFile(path + ".pub")
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return string(data), nil
}

// ParsePrivateKey parses a PEM-encoded private key into an ssh.Signer.
func ParsePrivateKey(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
