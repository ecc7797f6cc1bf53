package targets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
)

// Verifier checks detached minisign signatures against a trusted public key.
type Verifier struct {
	publicKey minisign.PublicKey
}

// NewVerifier accepts the key as the bare base64 line, the two-line
// minisign .pub contents, or a path to a .pub file.
func NewVerifier(key string) (*Verifier, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("minisign public key is required")
	}
	if !strings.Contains(key, "\n") {
		if data, err := os.ReadFile(key); err == nil {
			key = strings.TrimSpace(string(data))
		}
	}

	var (
		pk  minisign.PublicKey
		err error
	)
	if strings.Contains(key, "\n") {
		pk, err = minisign.DecodePublicKey(key)
	} else {
		pk, err = minisign.NewPublicKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("parse minisign public key: %w", err)
	}
	return &Verifier{publicKey: pk}, nil
}

// Verify validates signature over data.
func (v *Verifier) Verify(ctx context.Context, data, signature []byte) error {
	if v == nil {
		return errors.New("signature verifier not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sig, err := minisign.DecodeSignature(string(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	ok, err := v.publicKey.Verify(data, sig)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("signature verification failed")
	}
	return nil
}
