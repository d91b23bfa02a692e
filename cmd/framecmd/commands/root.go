// Package commands implements the framecmd command line.
package commands

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	// Register every hal backend available on this platform.
	_ "github.com/gogpu/wgpu/hal/allbackends"

	"github.com/gogpu/framecmd"
	"github.com/gogpu/framecmd/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
	cfgErr  error
)

var rootCmd = &cobra.Command{
	Use:   "framecmd",
	Short: "Replay GPU command streams",
	Long: `framecmd runs command files through the frame interpreter on any
registered GPU backend, headless, and can capture render targets to images.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgErr != nil {
			return cfgErr
		}
		framecmd.SetLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
			Level: cfg.SlogLevel(),
		})))
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./framecmd.yaml)")
	flags.String("log-level", "warn", "log level: debug, info, warn or error")
	flags.String("backend", "", "backend name (default is the best registered backend)")
	flags.String("shaders", "shaders", "directory holding <name>.wgsl sources")

	viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	viper.BindPFlag("backend.name", flags.Lookup("backend"))
	viper.BindPFlag("shaders.dir", flags.Lookup("shaders"))
}

func initConfig() {
	cfg, cfgErr = config.Load(viper.GetViper(), cfgFile)
}
