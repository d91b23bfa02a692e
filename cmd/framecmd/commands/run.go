package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gogpu/framecmd"
	"github.com/gogpu/framecmd/cmdfile"
	"github.com/gogpu/framecmd/internal/capture"
	"github.com/gogpu/framecmd/interp"
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Replay a command file",
	Long: `Replay a YAML or TOML command file headless for a number of frames.

With --capture the named render target is read back after the last frame
and written to --out as png, bmp or tiff.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	flags := runCmd.Flags()
	flags.Int("frames", 1, "number of frames to present")
	flags.Uint32("width", 640, "frame width")
	flags.Uint32("height", 480, "frame height")
	flags.Int("buffers", 2, "frames in flight")
	flags.Bool("validate", false, "validate shader IR")
	flags.Bool("spirv", false, "hand SPIR-V to the backend")
	flags.String("capture", "", "render target to capture after the last frame")
	flags.String("out", "capture.png", "capture output file")
	flags.Float64("scale", 1, "capture scale factor")
	flags.Bool("dump", false, "print the command list before running")

	viper.BindPFlag("frame.width", flags.Lookup("width"))
	viper.BindPFlag("frame.height", flags.Lookup("height"))
	viper.BindPFlag("frame.buffers", flags.Lookup("buffers"))
	viper.BindPFlag("backend.validate", flags.Lookup("validate"))
	viper.BindPFlag("backend.spirv", flags.Lookup("spirv"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	frames, _ := flags.GetInt("frames")
	target, _ := flags.GetString("capture")
	out, _ := flags.GetString("out")
	scale, _ := flags.GetFloat64("scale")
	dump, _ := flags.GetBool("dump")
	if frames < 1 {
		return errors.New("--frames must be at least 1")
	}

	cmds, err := cmdfile.Load(args[0])
	if err != nil {
		return err
	}
	stdout := cmd.OutOrStdout()
	if dump {
		if err := framecmd.Dump(stdout, cmds); err != nil {
			return err
		}
	}

	var fatal error
	it := interp.New(interp.Options{
		BackendName:         cfg.Backend.Name,
		ShaderDir:           cfg.Shaders.Dir,
		Watch:               cfg.Shaders.Watch,
		Validate:            cfg.Backend.Validate,
		SPIRV:               cfg.Backend.SPIRV,
		CompileFailureDelay: cfg.Shaders.FailureDelay,
		Fatal: func(msg string, err error) {
			fatal = fmt.Errorf("%s: %w", msg, err)
		},
	})
	defer it.Close()

	frame := interp.Frame{
		AppName:      "framecmd",
		Commands:     cmds,
		Target:       &interp.Target{},
		Width:        cfg.Frame.Width,
		Height:       cfg.Frame.Height,
		BufferCount:  cfg.Frame.Buffers,
		HeapCapacity: cfg.Frame.HeapCapacity,
		SlotCapacity: cfg.Frame.SlotCapacity,
	}
	for i := range frames {
		it.Present(frame)
		if fatal != nil {
			return fmt.Errorf("frame %d: %w", i, fatal)
		}
	}

	adapter := it.Adapter()
	st := it.Stats()
	fmt.Fprintf(stdout, "adapter:   %s (%s)\n", adapter.Name, adapter.Type)
	fmt.Fprintf(stdout, "frames:    %d\n", st.Frames)
	fmt.Fprintf(stdout, "resources: %d live, %d created\n", st.Resources.Entries, st.Resources.Creates)
	fmt.Fprintf(stdout, "pipelines: %d live, %d built, %d failed\n", st.Pipelines.Live, st.Pipelines.Builds, st.Pipelines.Failures)
	fmt.Fprintf(stdout, "last frame: %d passes, %d draws, %d dispatches, %d skipped, presented %q\n",
		st.LastFrame.Passes, st.LastFrame.Draws, st.LastFrame.Dispatches, st.LastFrame.Skipped, st.LastFrame.Presented)

	if target == "" {
		return nil
	}
	img, err := it.Capture(target)
	if err != nil {
		return err
	}
	if err := capture.Save(out, img, scale); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "captured %s to %s\n", target, out)
	return nil
}
