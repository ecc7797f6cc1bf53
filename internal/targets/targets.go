// Package targets reads target list files. A list may be signed with
// minisign; the detached signature lives next to it with a .minisig suffix.
package targets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/dlspeed/pkg/types"
)

const SignatureSuffix = ".minisig"

var ErrEmptyList = errors.New("target list has no urls")

// Load reads the list at path. JSON lists are accepted since they are valid
// YAML. With a non-empty publicKey the signature must verify before the
// contents are parsed.
func Load(ctx context.Context, path, publicKey string) (types.TargetList, error) {
	var list types.TargetList

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return list, fmt.Errorf("read target list %q: %w", path, err)
	}

	if strings.TrimSpace(publicKey) != "" {
		verifier, err := NewVerifier(publicKey)
		if err != nil {
			return list, err
		}
		sigPath := path + SignatureSuffix
		sig, err := os.ReadFile(filepath.Clean(sigPath))
		if err != nil {
			return list, fmt.Errorf("read signature %q: %w", sigPath, err)
		}
		if err := verifier.Verify(ctx, data, sig); err != nil {
			return list, fmt.Errorf("verify target list %q: %w", path, err)
		}
	}

	return Parse(data)
}

// Parse decodes and normalises a target list.
func Parse(data []byte) (types.TargetList, error) {
	var list types.TargetList
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&list); err != nil && !errors.Is(err, io.EOF) {
		return list, fmt.Errorf("parse target list: %w", err)
	}

	urls := make([]string, 0, len(list.URLs))
	for _, u := range list.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	list.URLs = urls
	if len(list.URLs) == 0 {
		return list, ErrEmptyList
	}
	if list.Repeat < 0 {
		return list, fmt.Errorf("target list repeat must be >= 0")
	}
	return list, nil
}
