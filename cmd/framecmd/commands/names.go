package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gogpu/framecmd"
)

var namesCmd = &cobra.Command{
	Use:   "names <target|backbuffer-index>",
	Short: "Print the names derived from a render target",
	Long: `Print the depth and mip level names the interpreter derives from a
render target name. A numeric argument is taken as a back buffer index.`,
	Args: cobra.ExactArgs(1),
	RunE: runNames,
}

func init() {
	namesCmd.Flags().Uint32("width", 0, "target width (default frame.width)")
	namesCmd.Flags().Uint32("height", 0, "target height (default frame.height)")
	rootCmd.AddCommand(namesCmd)
}

func runNames(cmd *cobra.Command, args []string) error {
	target := args[0]
	if n, err := strconv.Atoi(target); err == nil && n >= 0 {
		target = framecmd.BackbufferName(n)
	}
	w, h := cfg.Frame.Width, cfg.Frame.Height
	if v, _ := cmd.Flags().GetUint32("width"); v > 0 {
		w = v
	}
	if v, _ := cmd.Flags().GetUint32("height"); v > 0 {
		h = v
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "color  %s\n", target)
	fmt.Fprintf(out, "depth  %s\n", framecmd.DepthName(target))
	for i := range int(framecmd.MipCount(w, h)) {
		fmt.Fprintf(out, "mip %-2d %s (%dx%d)\n", i, framecmd.MipName(target, i), max(w>>i, 1), max(h>>i, 1))
	}
	return nil
}
