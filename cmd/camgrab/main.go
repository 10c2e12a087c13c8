// Command camgrab grabs frames from a GStreamer source through a camerasink
// sink: a live grab loop with stats and telemetry, single snapshots, FPS
// warm-up and a format listing.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/e7canasta/camerasink/internal/config"
	"github.com/e7canasta/camerasink/internal/pixfmt"
)

const longHelp = `camgrab pulls the latest frame from a camera pipeline into a reusable
image buffer. Slow consumers never queue frames: they always get the most
recent one.

Sources: a GStreamer test pattern, a V4L2 device or an RTSP camera.`

var exampleUsage = strings.TrimSpace(`
  camgrab run --config camgrab.yaml
  camgrab run --source v4l2 --device /dev/video2 --target-format gray --debug
  camgrab snapshot --source rtsp --url rtsp://10.0.0.12/stream -o door.jpg
  camgrab warmup --duration 10s
  camgrab formats
`)

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	debug      bool

	source       string
	device       string
	url          string
	width        int
	height       int
	fps          int
	format       pixfmt.PixelFormat
	targetFormat pixfmt.PixelFormat
	sinkName     string
}

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "camgrab",
		Short:         "Grab the latest camera frame into a reusable buffer",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.debug)
		},
	}

	opts.register(root.PersistentFlags())

	root.AddCommand(
		newRunCmd(opts),
		newSnapshotCmd(opts),
		newWarmupCmd(opts),
		newFormatsCmd(),
	)
	return root
}

// register adds the shared flags to fs. Only flags the user sets override
// the config file.
func (o *options) register(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "YAML config file (defaults apply when empty)")
	fs.BoolVar(&o.debug, "debug", false, "enable debug logging")
	fs.StringVar(&o.source, "source", "", "source kind: test, v4l2, rtsp")
	fs.StringVar(&o.device, "device", "", "v4l2 device path")
	fs.StringVar(&o.url, "url", "", "rtsp URL")
	fs.IntVar(&o.width, "width", 0, "source width")
	fs.IntVar(&o.height, "height", 0, "source height")
	fs.IntVar(&o.fps, "fps", 0, "source frame rate")
	fs.Var(newFormatValue(&o.format), "format", "format produced by the source pipeline")
	fs.Var(newFormatValue(&o.targetFormat), "target-format", "format hint sent to the source")
	fs.StringVar(&o.sinkName, "name", "", "sink name (generated when empty)")
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}

// loadConfig reads the config file (or defaults), then applies the flags the
// user actually set and validates the result. overrides apply command flags.
func loadConfig(cmd *cobra.Command, opts *options,
	overrides ...func(*config.Config, map[string]bool)) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
	applyFlags(cfg, opts, changed)
	for _, apply := range overrides {
		apply(cfg, changed)
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, opts *options, changed map[string]bool) {
	if changed["source"] {
		cfg.Source.Kind = opts.source
	}
	if changed["device"] {
		cfg.Source.Device = opts.device
	}
	if changed["url"] {
		cfg.Source.URL = opts.url
	}
	if changed["width"] {
		cfg.Source.Width = opts.width
	}
	if changed["height"] {
		cfg.Source.Height = opts.height
	}
	if changed["fps"] {
		cfg.Source.FPS = opts.fps
	}
	if changed["format"] {
		cfg.Source.Format = opts.format
	}
	if changed["target-format"] {
		cfg.Sink.TargetFormat = opts.targetFormat
	}
	if changed["name"] {
		cfg.Sink.Name = opts.sinkName
	}
}

// formatValue adapts a PixelFormat to pflag.Value.
type formatValue struct {
	f *pixfmt.PixelFormat
}

func newFormatValue(f *pixfmt.PixelFormat) *formatValue {
	return &formatValue{f: f}
}

func (v *formatValue) String() string {
	if v.f == nil || *v.f == pixfmt.Unknown {
		return ""
	}
	return strings.ToLower(v.f.String())
}

func (v *formatValue) Set(s string) error {
	f, err := pixfmt.ParsePixelFormat(s)
	if err != nil {
		return err
	}
	*v.f = f
	return nil
}

func (v *formatValue) Type() string {
	return "format"
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}
