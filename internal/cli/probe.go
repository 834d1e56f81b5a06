package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelproxy/internal/transform"
)

type probeReport struct {
	transform.SourceMetadata
	DefaultQuality int  `json:"default_quality"`
	WithinLimits   bool `json:"within_limits"`
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <image>",
		Short: "Print the header metadata the transform core sees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			meta, err := transform.Probe(data)
			if err != nil {
				return errors.New(transform.Message(err))
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(probeReport{
				SourceMetadata: meta,
				DefaultQuality: transform.DefaultQuality(meta),
				WithinLimits:   transform.CheckSize(meta) == nil,
			})
		},
	}
}
