package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kwv/kabschmesh/mesh"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds everything parsed from the command line
type AppOptions struct {
	ConfigFile string
	CachePath  string

	// one-shot solve
	Solve         bool
	ReferenceFile string
	TargetFile    string
	Iterations    int
	Method        string

	// rendering
	Render     bool
	RigID      string
	OutputFile string
	Format     string
	Projection string

	// service
	MqttMode bool
	HttpMode bool
	HttpPort int

	Watch bool
}

// Application is implemented by App; tests substitute a recorder
type Application interface {
	ApplyOptions(opts AppOptions)
	RunSolve() error
	RunRender() error
	RunService() error
	RunWatch() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

// run parses args and dispatches to one run mode
func run(args []string, stdout io.Writer, app Application) error {
	fs := flag.NewFlagSet("kabschmesh", flag.ContinueOnError)
	fs.SetOutput(stdout)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file (built-in demo rig if missing)")
	fs.StringVar(&opts.CachePath, "cache", mesh.DefaultCalibrationCachePath, "Path to alignment cache file")
	fs.BoolVar(&opts.Solve, "solve", false, "Solve once and print the result as JSON")
	fs.StringVar(&opts.ReferenceFile, "reference", "", "Reference point file for --solve (default: rig reference from config)")
	fs.StringVar(&opts.TargetFile, "target", "", "Target point file for --solve (default: rig targets from config)")
	fs.IntVar(&opts.Iterations, "iterations", 0, "Torque iterations (0 uses config, then the solver default)")
	fs.StringVar(&opts.Method, "method", "", "Rotation method: torque or svd (default from config)")
	fs.BoolVar(&opts.Render, "render", false, "Render a rig to --output and exit")
	fs.StringVar(&opts.RigID, "rig", "", "Rig ID (default: first rig in config)")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file for --render (default: <rig>.<ext>)")
	fs.StringVar(&opts.Format, "format", "svg", "Render format: "+formatNames())
	fs.StringVar(&opts.Projection, "projection", "", "Projection plane for 2D output: xz, xy or zy (default from config)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	fs.BoolVar(&opts.Watch, "watch", false, "Interactive terminal dashboard")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "kabschmesh version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.Solve:
		return app.RunSolve()
	case opts.Render:
		return app.RunRender()
	case opts.Watch:
		return app.RunWatch()
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	}

	fmt.Fprintln(stdout, "No mode selected.")
	fmt.Fprintln(stdout, "Use --solve to align --reference against --target and print the result")
	fmt.Fprintln(stdout, "Use --render --format=svg|png|cube|plot|geojson to render a rig")
	fmt.Fprintln(stdout, "Use --watch to nudge target points interactively")
	fmt.Fprintln(stdout, "Use --mqtt and/or --http to run the service")
	fmt.Fprintln(stdout, "\nConfiguration:")
	fmt.Fprintln(stdout, "  config.yaml - MQTT settings and rig definitions")
	fmt.Fprintf(stdout, "  %s - last computed alignment per rig\n", mesh.DefaultCalibrationCachePath)
	return nil
}
