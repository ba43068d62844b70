// Package router maps request hostnames onto release channels and hands
// each request to the deploy endpoints or the static site handler.
package router

import (
	"net"
	"strconv"
	"strings"

	"github.com/keithlinneman/sitedeploy/internal/channel"
	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

type Kind int

const (
	KindStable Kind = iota
	KindCanary
	KindPR
	KindCommit
	KindDeploy
)

func (k Kind) String() string {
	switch k {
	case KindStable:
		return "stable"
	case KindCanary:
		return "canary"
	case KindPR:
		return "pr"
	case KindCommit:
		return "commit"
	case KindDeploy:
		return "deploy"
	}
	return "unknown"
}

// Route is the result of classifying a hostname. Channel is zero for
// KindDeploy.
type Route struct {
	Kind    Kind
	Channel channel.Channel
}

const (
	prPrefix     = "pr-"
	commitPrefix = "commit-"
	deploySub    = "deploy"
	canarySub    = "canary"
)

// Classify resolves host (optionally with a port) against base.
func Classify(host, base string) (Route, error) {
	host = normHost(host)
	base = normHost(base)

	var sub string
	switch {
	case base == "":
		return Route{}, xerrors.E(xerrors.KindNotFound, "Invalid hostname", nil)
	case host == base:
		return Route{Kind: KindStable, Channel: channel.Channel{Name: channel.Stable}}, nil
	case strings.HasSuffix(host, "."+base):
		sub = strings.TrimSuffix(host, "."+base)
	default:
		return Route{}, xerrors.E(xerrors.KindNotFound, "Invalid hostname", nil)
	}

	switch {
	case sub == canarySub:
		return Route{Kind: KindCanary, Channel: channel.Channel{Name: channel.Canary}}, nil
	case sub == deploySub:
		return Route{Kind: KindDeploy}, nil
	case strings.HasPrefix(sub, prPrefix):
		id, ok := parsePRID(strings.TrimPrefix(sub, prPrefix))
		if !ok {
			return Route{}, xerrors.E(xerrors.KindBadRequest, "Invalid PR id", nil)
		}
		return Route{Kind: KindPR, Channel: channel.Channel{Name: channel.PR, PRID: id}}, nil
	case strings.HasPrefix(sub, commitPrefix):
		hash, ok := channel.CommitHash(strings.TrimPrefix(sub, commitPrefix))
		if !ok {
			return Route{}, xerrors.E(xerrors.KindNotFound, "Invalid hostname", nil)
		}
		return Route{Kind: KindCommit, Channel: channel.Channel{Name: channel.Commit, Commit: hash}}, nil
	}
	return Route{}, xerrors.E(xerrors.KindNotFound, "Invalid hostname", nil)
}

// parsePRID accepts plain decimal digits naming a positive id.
func parsePRID(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// normHost lowercases and drops the port and any trailing dot.
func normHost(h string) string {
	h = strings.TrimSpace(h)
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	h = strings.TrimPrefix(strings.TrimSuffix(h, "]"), "[")
	return strings.TrimSuffix(strings.ToLower(h), ".")
}
