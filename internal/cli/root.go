// Package cli implements pixelctl, a local front end to the transform core.
package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelproxy/internal/codec"
)

var version = "0.1.0"

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pixelctl",
		Short: "Apply pixelproxy query transforms to local image files",
		Long: `pixelctl runs the same transform core as the pixelproxy image endpoint
against files on disk. Queries use the endpoint's parameter syntax, for
example "w=320&filter=grayscale" or "fit=200,200;quality=80".`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(fmt.Sprintf(
		"pixelctl %s (%s/%s, %s, codecs=%s)\n",
		version, runtime.GOOS, runtime.GOARCH, runtime.Version(), codec.Backend(),
	))

	root.AddCommand(newTransformCmd(), newProbeCmd())
	return root
}
