package sitehandler

import (
	"github.com/spf13/afero"

	"github.com/keithlinneman/sitedeploy/internal/log"
	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

// DefaultAssetCacheControl is thirty days fresh plus thirty days stale.
const DefaultAssetCacheControl = "public, max-age=2592000, stale-while-revalidate=2592000"

type Options struct {
	Logger log.Logger

	// FS holds the content root; channels are directories below Root.
	FS   afero.Fs
	Root string

	// Site404File is looked up inside the channel tree. default: "404.html"
	Site404File string

	// AssetCacheControl is set on successful non-HTML responses.
	AssetCacheControl string

	// DisableListing turns off directory listings for index-less dirs.
	DisableListing bool
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Site404File == "" {
		o.Site404File = "404.html"
	}
	if o.AssetCacheControl == "" {
		o.AssetCacheControl = DefaultAssetCacheControl
	}
}

func (o *Options) validate() error {
	if o.FS == nil {
		return xerrors.E(xerrors.KindConfig, "sitehandler: FS is nil", nil)
	}
	if o.Root == "" {
		return xerrors.E(xerrors.KindConfig, "sitehandler: Root is empty", nil)
	}
	return nil
}
