package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/kwv/kabschmesh/kabsch"
	"github.com/kwv/kabschmesh/mesh"
)

// App encapsulates the application state and dependencies
type App struct {
	AppOptions

	Config     *mesh.Config
	Tracker    *mesh.StateTracker
	MQTTClient *mesh.MQTTClient
	Publisher  *mesh.Publisher
	Poller     *mesh.Poller

	Stdout    io.Writer
	newScreen func() (tcell.Screen, error)
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		AppOptions: AppOptions{
			ConfigFile: "config.yaml",
			CachePath:  mesh.DefaultCalibrationCachePath,
			Format:     "svg",
			HttpPort:   8080,
		},
		Stdout:    os.Stdout,
		newScreen: tcell.NewScreen,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.AppOptions = opts
}

// loadConfig reads the config file, falling back to the demo rig
func (a *App) loadConfig() (*mesh.Config, error) {
	config, err := mesh.LoadConfigOrDefault(a.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w (looked at %s)", err, a.ConfigFile)
	}
	if len(config.Rigs) == 1 && config.Rigs[0].ID == mesh.DefaultRigID && a.ConfigFile != "" {
		if _, statErr := os.Stat(a.ConfigFile); statErr != nil {
			log.Printf("No config at %s, using built-in %s rig", a.ConfigFile, mesh.DefaultRigID)
		}
	}
	if a.Method != "" {
		if _, err := kabsch.ParseMethod(a.Method); err != nil {
			return nil, err
		}
		config.Method = a.Method
	}
	if a.Iterations > 0 {
		config.Iterations = a.Iterations
	}
	if !validProjection(a.Projection) {
		return nil, fmt.Errorf("invalid projection %q (must be xz, xy or zy)", a.Projection)
	}
	a.Config = config
	return config, nil
}

// buildTracker registers every configured rig with a fresh tracker
func (a *App) buildTracker(config *mesh.Config, cachePath string) (*mesh.StateTracker, error) {
	tracker := mesh.NewStateTrackerWithCache(cachePath)
	for _, rc := range config.Rigs {
		snap, err := tracker.AddRig(rc, config.Iterations, config.Method)
		if err != nil {
			return nil, fmt.Errorf("adding rig %s: %w", rc.ID, err)
		}
		if len(snap.Targets) > 0 {
			log.Printf("[KABSCH] %s: %s scale=%.4f residual=%.4g", rc.ID, snap.Result.Status, snap.Result.Scale, snap.Result.Residual)
		}
	}
	a.Tracker = tracker
	return tracker, nil
}

// selectRig returns the --rig value or the first configured rig
func (a *App) selectRig(config *mesh.Config) (*mesh.RigConfig, error) {
	if a.RigID == "" {
		if len(config.Rigs) == 0 {
			return nil, errors.New("no rigs configured")
		}
		return &config.Rigs[0], nil
	}
	rc := config.GetRig(a.RigID)
	if rc == nil {
		return nil, fmt.Errorf("%w: %s (configured: %v)", mesh.ErrUnknownRig, a.RigID, config.RigIDs())
	}
	return rc, nil
}

// solveOutput is the JSON printed by RunSolve
type solveOutput struct {
	mesh.AlignmentMessage
	Computed []kabsch.Point `json:"computed"`
	Trace    []float64      `json:"trace,omitempty"`
}

// RunSolve aligns one reference/target pair and prints the result as JSON.
// Files given on the command line replace the rig's configured point sets.
func (a *App) RunSolve() error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}

	var rigID string
	var reference, targets []kabsch.Point
	var rigIterations *int
	var rigMethod *string
	if rc, err := a.selectRig(config); err == nil {
		rigID = rc.ID
		reference = rc.Reference.Points()
		targets = rc.Targets.Points()
		rigIterations, rigMethod = rc.Iterations, rc.Method
	} else if a.ReferenceFile == "" || a.TargetFile == "" {
		return err
	}

	if a.ReferenceFile != "" {
		if reference, err = mesh.DecodePointFile(a.ReferenceFile); err != nil {
			return err
		}
		rigID = "cli"
	}
	if a.TargetFile != "" {
		if targets, err = mesh.DecodePointFile(a.TargetFile); err != nil {
			return err
		}
	}

	rc := mesh.RigConfig{Iterations: rigIterations, Method: rigMethod}
	solver := kabsch.NewSolver(
		kabsch.WithIterations(rc.EffectiveIterations(config.Iterations)),
		kabsch.WithMethod(rc.EffectiveMethod(config.Method)),
	)
	res := solver.SetReference(reference).SetTarget(targets).Compute()

	out := solveOutput{
		AlignmentMessage: mesh.NewAlignmentMessage(rigID, res),
		Computed:         solver.ComputedPoints(true),
		Trace:            res.Trace,
	}
	enc := json.NewEncoder(a.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return nil
}

// RunRender renders one rig, using cached targets when the config has none
func (a *App) RunRender() error {
	format, err := lookupFormat(a.Format)
	if err != nil {
		return err
	}
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	rc, err := a.selectRig(config)
	if err != nil {
		return err
	}
	tracker, err := a.buildTracker(config, "")
	if err != nil {
		return err
	}
	if cache, err := mesh.LoadCalibration(a.CachePath); err != nil {
		log.Printf("Warning: Failed to load alignment cache %s: %v", a.CachePath, err)
	} else if cache != nil && len(rc.Targets) == 0 {
		if targets, ok := cache.GetTargets(rc.ID); ok {
			if _, err := tracker.UpdateTarget(rc.ID, targets); err != nil {
				return err
			}
			log.Printf("Using cached targets for %s from %s", rc.ID, a.CachePath)
		}
	}

	snap, err := tracker.Snapshot(rc.ID)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := format.render(&buf, snap, config, a.Projection); err != nil {
		return fmt.Errorf("rendering %s as %s: %w", rc.ID, a.Format, err)
	}

	outputPath := a.OutputFile
	if outputPath == "" {
		outputPath = rc.ID + format.ext
	}
	if err := os.WriteFile(outputPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", outputPath, err)
	}
	fmt.Fprintf(a.Stdout, "Created %s: %s\n", a.Format, outputPath)
	return nil
}

// RunService runs MQTT ingest, HTTP and pollers until SIGINT or SIGTERM
func (a *App) RunService() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.serve(ctx)
}

func (a *App) serve(ctx context.Context) error {
	if !a.MqttMode && !a.HttpMode {
		return errors.New("service mode needs --mqtt and/or --http")
	}
	fmt.Fprintln(a.Stdout, "Starting kabschmesh service...")

	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	tracker, err := a.buildTracker(config, a.CachePath)
	if err != nil {
		return err
	}

	if a.MqttMode {
		mqttClient, err := mesh.InitMQTT(config, a.handleMessage)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if mqttClient == nil {
			return errors.New("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = mqttClient
		a.Publisher = mesh.NewPublisher(mqttClient.GetClient())
		fmt.Fprintln(a.Stdout, "MQTT alignment publisher initialized")
	} else {
		a.Publisher = mesh.NewPublisher(nil)
	}
	if os.Getenv("MQTT_PUBLISH_PREFIX") == "" {
		a.Publisher.SetPrefix(config.MQTT.PublishPrefix)
	}
	for _, snap := range tracker.Snapshots() {
		if len(snap.Targets) > 0 {
			a.Publisher.PublishSnapshot(snap)
		}
	}
	tracker.OnUpdate(a.Publisher.PublishSnapshot)

	var wg sync.WaitGroup
	if a.Poller = mesh.NewPoller(config, tracker); a.Poller != nil {
		wg.Go(func() { a.Poller.Run(ctx) })
	}

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(tracker, config, a.Publisher),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wg.Go(func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
			}
		})
	}

	a.printServiceInfo(config)

	<-ctx.Done()

	fmt.Fprintln(a.Stdout, "\nShutting down service...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
		cancel()
	}
	wg.Wait()
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.Stdout, "Service stopped")
	return nil
}

// handleMessage feeds decoded MQTT point sets into the tracker
func (a *App) handleMessage(rigID string, kind mesh.PayloadKind, points []kabsch.Point, err error) {
	if err != nil {
		log.Printf("[MQTT] %s: dropping %s payload: %v", rigID, kind, err)
		return
	}
	if a.Tracker == nil {
		return
	}

	var snap mesh.RigSnapshot
	switch kind {
	case mesh.PayloadReference:
		snap, err = a.Tracker.SetReference(rigID, points)
	default:
		snap, err = a.Tracker.UpdateTarget(rigID, points)
	}
	if err != nil {
		log.Printf("[MQTT] %s: %v", rigID, err)
		return
	}

	res := snap.Result
	if res.IsFallback() {
		log.Printf("[KABSCH] %s: fallback (%s)", rigID, res.Reason)
		return
	}
	if res.IsDegraded() {
		log.Printf("[KABSCH] warning: %s: degraded alignment published (%s)", rigID, res.Reason)
	}
	log.Printf("[KABSCH] %s: %d points scale=%.4f steps=%d converged=%t residual=%.4g",
		rigID, len(points), res.Scale, res.Steps, res.Converged, res.Residual)
}

func (a *App) printServiceInfo(config *mesh.Config) {
	out := a.Stdout
	fmt.Fprintln(out, "\nService Running")
	fmt.Fprintln(out, "===============")

	if a.MqttMode {
		fmt.Fprintln(out, "\nMQTT:")
		fmt.Fprintln(out, "  Subscribed topics:")
		for _, rc := range config.Rigs {
			if rc.Topic != "" {
				fmt.Fprintf(out, "    - %s (%s)\n", rc.Topic, rc.ID)
			}
		}
		fmt.Fprintf(out, "  Publishing to: %s/{rigID}\n", a.Publisher.Prefix())
		fmt.Fprintf(out, "  Combined alignments: %s/alignments\n", a.Publisher.Prefix())
	}

	if a.Poller != nil {
		fmt.Fprintf(out, "\nPolling apiUrl targets every %s\n", a.Poller.Interval())
	}

	if a.HttpMode {
		fmt.Fprintf(out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(out, "  GET  /health                        - Health check")
		fmt.Fprintln(out, "  GET  /rigs, /rigs/{id}              - Rig snapshots")
		fmt.Fprintln(out, "  POST /rigs/{id}/target              - Replace targets")
		fmt.Fprintln(out, "  PATCH /rigs/{id}/target/{index}     - Move one target")
		fmt.Fprintln(out, "  PUT  /rigs/{id}/reference           - Replace reference")
		fmt.Fprintln(out, "  GET  /rigs/{id}/preview.svg|.png    - 2D projection")
		fmt.Fprintln(out, "  GET  /rigs/{id}/cube.png            - Shaded cube preview")
		fmt.Fprintln(out, "  GET  /rigs/{id}/convergence.png     - Torque convergence plot")
		fmt.Fprintln(out, "  GET  /rigs/{id}/points.geojson      - GeoJSON export")
	}

	fmt.Fprintln(out, "\nPress Ctrl+C to stop")
}

// RunWatch opens the terminal dashboard
func (a *App) RunWatch() error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	tracker, err := a.buildTracker(config, a.CachePath)
	if err != nil {
		return err
	}

	s, err := a.newScreen()
	if err != nil {
		return fmt.Errorf("screen init failed: %w", err)
	}
	if err := s.Init(); err != nil {
		return fmt.Errorf("screen start failed: %w", err)
	}
	defer s.Fini()

	return runWatch(s, tracker)
}
