package cfg

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/sitedeploy/internal/channel"
	"github.com/keithlinneman/sitedeploy/internal/token"
	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

// ParamGetter is the subset of the SSM client used to read digests.
type ParamGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type digestSource struct {
	ch       channel.Name
	literal  string
	file     string
	ssmParam string
}

func (c App) digestSources() []digestSource {
	return []digestSource{
		{channel.Stable, c.StableDeployHash, c.StableDeployHashFile, c.StableDeployHashSSMParam},
		{channel.Canary, c.CanaryDeployHash, c.CanaryDeployHashFile, c.CanaryDeployHashSSMParam},
		{channel.PR, c.PRDeployHash, c.PRDeployHashFile, c.PRDeployHashSSMParam},
	}
}

// NeedsSSM reports whether any channel digest is sourced from SSM.
func (c App) NeedsSSM() bool {
	for _, s := range c.digestSources() {
		if s.literal == "" && s.file == "" && s.ssmParam != "" {
			return true
		}
	}
	return false
}

// LoadDigests resolves the per-channel token digests. Sources are tried in
// order literal, file, ssm parameter; the first one set wins. A channel with
// no source gets an empty digest and warn is called for it. params may be nil
// when no channel uses SSM.
func LoadDigests(ctx context.Context, c App, params ParamGetter, warn func(ch channel.Name)) (token.Digests, error) {
	var d token.Digests
	for _, s := range c.digestSources() {
		v, err := s.resolve(ctx, params)
		if err != nil {
			return token.Digests{}, err
		}
		v = strings.ToLower(v)
		if v != "" && !token.IsDigest(v) {
			return token.Digests{}, xerrors.Newf("%s deploy hash is not a sha256 hex digest", s.ch)
		}
		if v == "" && warn != nil {
			warn(s.ch)
		}
		switch s.ch {
		case channel.Stable:
			d.Stable = v
		case channel.Canary:
			d.Canary = v
		case channel.PR:
			d.PR = v
		}
	}
	return d, nil
}

func (s digestSource) resolve(ctx context.Context, params ParamGetter) (string, error) {
	switch {
	case s.literal != "":
		return strings.TrimSpace(s.literal), nil
	case s.file != "":
		b, err := os.ReadFile(s.file)
		if err != nil {
			return "", xerrors.Wrapf(err, "read %s deploy hash file %s", s.ch, s.file)
		}
		return strings.TrimSpace(string(b)), nil
	case s.ssmParam != "":
		if params == nil {
			return "", xerrors.Newf("%s deploy hash wants ssm parameter %s but no ssm client is configured", s.ch, s.ssmParam)
		}
		out, err := params.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(s.ssmParam),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return "", xerrors.Wrapf(err, "get SSM parameter %s", s.ssmParam)
		}
		if out.Parameter == nil || out.Parameter.Value == nil {
			return "", xerrors.Newf("SSM parameter %s has no value", s.ssmParam)
		}
		return strings.TrimSpace(*out.Parameter.Value), nil
	}
	return "", nil
}
