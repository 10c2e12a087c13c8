package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/e7canasta/camerasink/internal/pixfmt"
)

func newFormatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List pixel formats and the layout a grab produces for each",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printFormats(cmd.OutOrStdout())
		},
	}
}

func printFormats(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FORMAT\tLAYOUT\tBYTES/PX\tCOMPRESSED")
	for _, f := range pixfmt.All() {
		if f == pixfmt.Unknown {
			continue
		}
		l := pixfmt.LayoutFor(f)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%v\n", strings.ToLower(f.String()), l, l.BytesPerPixel(), f.IsCompressed())
	}
	return tw.Flush()
}
