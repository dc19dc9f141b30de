package sshkeys

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// FingerprintMismatchError reports a public key that is not the one expected.
type FingerprintMismatchError struct {
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("fingerprint %s, want %s", e.Actual, e.Expected)
}

// Fingerprint returns the SHA256:... fingerprint of an authorized_keys line.
func Fingerprint(publicKey []byte) (string, error) {
	if len(bytes.TrimSpace(publicKey)) == 0 {
		return "", errors.New("fingerprint: empty public key")
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return ssh.FingerprintSHA256(key), nil
}

// VerifyFingerprint fails with *FingerprintMismatchError unless publicKey
// fingerprints to expected. An empty expected matches anything.
func VerifyFingerprint(publicKey []byte, expected string) error {
	if expected == "" {
		return nil
	}
	got, err := Fingerprint(publicKey)
	if err != nil {
		return err
	}
	if got != expected {
		return &FingerprintMismatchError{Expected: expected, Actual: got}
	}
	return nil
}
