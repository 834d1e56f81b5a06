package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelproxy/internal/codec"
	"github.com/dunamismax/pixelproxy/internal/transform"
)

type transformOptions struct {
	in      string
	out     string
	query   string
	webp    bool
	enabled []string
}

func newTransformCmd() *cobra.Command {
	opts := &transformOptions{}
	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Transform one image file with a query string",
		Example: `  pixelctl transform --in cat.jpg --out thumb.jpg --query "resize=200,200"
  pixelctl transform --in logo.png --out - --query "lb=300,300,ffffff00" --webp > logo.webp`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTransform(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.in, "in", "", "source image path")
	f.StringVar(&opts.out, "out", "", `output path, or "-" for stdout`)
	f.StringVarP(&opts.query, "query", "q", "", "transform parameters in query-string form")
	f.BoolVar(&opts.webp, "webp", false, "allow upgrading JPEG/PNG output to WebP")
	f.StringSliceVar(&opts.enabled, "enable", nil, "restrict honoured parameters (default all)")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func runTransform(cmd *cobra.Command, opts *transformOptions) error {
	if err := codec.Startup(); err != nil {
		return err
	}
	defer codec.Shutdown()

	source, err := os.ReadFile(opts.in)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}

	t := transform.New(transform.ParseCapabilities(opts.enabled), nil)
	res, err := t.Transform(transform.Request{
		Source:     source,
		Params:     transform.ParseQuery(opts.query),
		AcceptWebP: opts.webp,
	})
	if err != nil {
		return errors.New(transform.Message(err))
	}

	if opts.out == "-" {
		_, err = cmd.OutOrStdout().Write(res.Data)
		return err
	}
	if err := os.WriteFile(opts.out, res.Data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	ops := make([]string, 0, len(res.Operations))
	for _, op := range res.Operations {
		ops = append(ops, op.String())
	}
	state := "passthrough"
	if res.Reencoded {
		state = "reencoded"
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%s %dx%d, %d bytes, %s) ops=[%s]\n",
		opts.out, res.Format, res.Width, res.Height, len(res.Data), state, strings.Join(ops, " "))
	return nil
}
