package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gogpu/framecmd/interp"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List registered backends",
	Long: `List the GPU backends registered on this platform in the order the
interpreter tries them when no backend is named.`,
	Args: cobra.NoArgs,
	RunE: runBackends,
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}

func runBackends(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	names := interp.BackendNames()
	if len(names) == 0 {
		return fmt.Errorf("%w: none registered", interp.ErrNoBackend)
	}
	for i, name := range names {
		marker := " "
		if name == cfg.Backend.Name || (cfg.Backend.Name == "" && i == 0) {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %d %s\n", marker, i, name)
	}
	return nil
}
