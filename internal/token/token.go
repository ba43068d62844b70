// Package token authenticates deploy requests. Clients present an opaque
// token; the server only ever holds and compares its SHA-256 digest.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/keithlinneman/sitedeploy/internal/channel"
	"github.com/keithlinneman/sitedeploy/internal/cryptoutil"
	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

const (
	// Scheme is the Authorization scheme carrying a deploy token.
	Scheme = "DeployToken"

	// LegacyHeader is accepted when no Authorization header is present.
	LegacyHeader = "DEPLOY_TOKEN"
)

// Digest returns the lowercase hex SHA-256 of token.
func Digest(token string) string {
	return cryptoutil.SHA256Hex([]byte(token))
}

// Validate checks a presented token against the expected digest. The
// stored digest is trimmed so values read from files or parameters with
// trailing newlines still match.
func Validate(presented, expected string) error {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return xerrors.E(xerrors.KindConfig, "no deploy token set on the server", nil)
	}
	if presented == "" {
		return xerrors.E(xerrors.KindMissingCredential, "missing deploy token", nil)
	}
	if !cryptoutil.HashEqual(Digest(presented), expected) {
		return xerrors.E(xerrors.KindInvalidCredential, "invalid deploy token", nil)
	}
	return nil
}

// FromRequest extracts the presented token. An absent token yields "" and
// no error so Validate can report it against the channel configuration.
func FromRequest(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return strings.TrimSpace(r.Header.Get(LegacyHeader)), nil
	}
	scheme, tok, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, Scheme) {
		return "", xerrors.E(xerrors.KindBadAuthFormat, "Authorization header must use the DeployToken scheme", nil)
	}
	return strings.TrimSpace(tok), nil
}

// Generate returns a fresh random token as 64 hex characters.
func Generate() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", xerrors.Wrap(err, "read random bytes")
	}
	return hex.EncodeToString(b[:]), nil
}

// Digests holds the expected token digest per deployable channel.
// Commit trees are published through canary deploys and share its digest.
type Digests struct {
	Stable string
	Canary string
	PR     string
}

// For returns the expected digest for a channel, "" when deploys to it are disabled.
func (d Digests) For(n channel.Name) string {
	switch n {
	case channel.Stable:
		return d.Stable
	case channel.Canary, channel.Commit:
		return d.Canary
	case channel.PR:
		return d.PR
	}
	return ""
}

// Configured lists channels that accept deploys.
func (d Digests) Configured() []channel.Name {
	var out []channel.Name
	for _, n := range []channel.Name{channel.Stable, channel.Canary, channel.PR} {
		if strings.TrimSpace(d.For(n)) != "" {
			out = append(out, n)
		}
	}
	return out
}

// IsDigest reports whether s looks like a SHA-256 hex digest.
func IsDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
