// Command platforminit runs the startup gate against a simulated host: it
// checks the configured features, waits for a user gesture on the terminal
// and reports whether every feature came up.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"platforminit/pkg/builtin"
	"platforminit/pkg/config"
	"platforminit/pkg/eventlog"
	"platforminit/pkg/feature"
	"platforminit/pkg/gate"
	"platforminit/pkg/logx"
	"platforminit/pkg/metrics"
	"platforminit/pkg/mirror"
	"platforminit/pkg/persistence"
	"platforminit/pkg/platform"
	"platforminit/pkg/version"
)

// Exit codes.
const (
	exitReady  = 0
	exitFailed = 1
	exitUsage  = 2
)

type options struct {
	configPath   string
	userAgent    string
	autoGesture  string
	sampleRate   float64
	latency      time.Duration
	deny         string
	listFeatures bool
	metricsDump  bool
	showVersion  bool
	debug        bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("platforminit", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "Path to the YAML configuration (default: no features)")
	fs.StringVar(&opts.userAgent, "user-agent", "", "User-agent string to classify (overrides config)")
	fs.StringVar(&opts.autoGesture, "auto-gesture", "", "Fire this gesture (click, mouseup, touchend) instead of prompting")
	fs.Float64Var(&opts.sampleRate, "sample-rate", 48000, "Sample rate of the simulated audio context")
	fs.DurationVar(&opts.latency, "latency", 20*time.Millisecond, "Latency of simulated host APIs")
	fs.StringVar(&opts.deny, "deny", "", "Comma-separated permissions the simulated user denies (microphone,camera,devicemotion)")
	fs.BoolVar(&opts.listFeatures, "list-features", false, "List registered feature names and exit")
	fs.BoolVar(&opts.metricsDump, "metrics-dump", false, "Print metrics in Prometheus text format on exit")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version information")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// run contains the main logic and returns an exit code, so that deferred
// cleanup happens before os.Exit.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return exitUsage
	}

	if opts.showVersion {
		fmt.Fprintln(stdout, version.String("platforminit"))
		return exitReady
	}
	if opts.debug {
		logx.SetDebug(true)
	}
	logx.SetOutput(stderr)

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "❌ %v\n", err)
		return exitUsage
	}

	var deny []string
	if opts.deny != "" {
		deny = strings.Split(opts.deny, ",")
	}
	host := newSimHost(opts.sampleRate, opts.latency, deny)

	reg := feature.NewRegistry()
	builtin.Register(reg, host)

	if opts.listFeatures {
		for _, name := range reg.Names() {
			fmt.Fprintln(stdout, name)
		}
		return exitReady
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	recorder := metrics.NewPrometheusRecorder(promReg)

	stopMetrics := serveMetrics(cfg.Metrics.Addr, promReg)
	defer stopMetrics()

	hub, closeSinks, err := buildHub(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "❌ %v\n", err)
		return exitFailed
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Close(shutdownCtx); err != nil {
			fmt.Fprintf(stderr, "⚠️ mirror did not drain: %v\n", err)
		}
		closeSinks()
	}()

	code := runGate(ctx, opts, cfg, reg, host, hub, recorder, stdin, stdout, stderr)

	if opts.metricsDump {
		if err := metrics.WriteText(stdout, promReg, "platforminit_"); err != nil {
			fmt.Fprintf(stderr, "⚠️ failed to dump metrics: %v\n", err)
		}
	}
	return code
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.userAgent != "" {
		cfg.UserAgent = opts.userAgent
	}
	return cfg, nil
}

//nolint:gocritic // flat parameter list keeps main readable
func runGate(
	ctx context.Context,
	opts *options,
	cfg *config.Config,
	reg *feature.Registry,
	host *simHost,
	hub *mirror.Hub,
	recorder metrics.Recorder,
	stdin io.Reader,
	stdout, stderr io.Writer,
) int {
	stepTimeout, err := cfg.StepTimeoutDuration()
	if err != nil {
		fmt.Fprintf(stderr, "❌ %v\n", err)
		return exitUsage
	}

	m, err := gate.New(reg, cfg.GateFeatures(bindArgs(reg, host)),
		gate.WithUserAgent(cfg.UserAgent),
		gate.WithStepTimeout(stepTimeout),
		gate.WithRecorder(recorder),
		gate.WithObserver(hub),
	)
	if err != nil {
		fmt.Fprintf(stderr, "❌ %v\n", err)
		return exitUsage
	}

	ready := m.Start(ctx)
	if !ready.Settled() {
		ev, err := waitForGesture(ctx, opts.autoGesture, stdin, stdout)
		if err != nil {
			fmt.Fprintf(stderr, "❌ %v\n", err)
			return exitFailed
		}
		if _, err := m.OnUserGesture(ctx, ev); err != nil {
			fmt.Fprintf(stderr, "❌ %v\n", err)
			return exitUsage
		}
	}

	_, readyErr := ready.Wait(ctx)
	report(stdout, m)

	if readyErr != nil {
		var failure *gate.FailureError
		if errors.As(readyErr, &failure) {
			fmt.Fprintf(stderr, "❌ %s failed for %v: %v\n", failure.Step, failure.FailedFeatures(), readyErr)
		} else {
			fmt.Fprintf(stderr, "❌ %v\n", readyErr)
		}
		return exitFailed
	}
	fmt.Fprintln(stderr, "✅ ready")
	return exitReady
}

// bindArgs turns configured values into host objects for the features that
// need one.
func bindArgs(reg *feature.Registry, host *simHost) config.BindFunc {
	return func(id string, value any) any {
		def, err := reg.Resolve(id)
		if err != nil {
			return value
		}
		switch def.ID {
		case builtin.WebAudio:
			return host.audio
		case builtin.DeviceMotion:
			return host.motion
		default:
			return value
		}
	}
}

// waitForGesture returns the gesture to deliver: the -auto-gesture event, a
// key press on a terminal, or a line on any other stdin.
func waitForGesture(ctx context.Context, auto string, stdin io.Reader, stdout io.Writer) (platform.Event, error) {
	if auto != "" {
		return platform.Event{Type: auto}, nil
	}

	type result struct {
		ev  platform.Event
		err error
	}
	done := make(chan result, 1)

	go func() {
		if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			fmt.Fprint(stdout, "👆 Press Enter to click, or t to tap... ")
			ev, err := readKey(f)
			fmt.Fprintln(stdout)
			done <- result{ev, err}
			return
		}

		fmt.Fprintln(stdout, "👆 Send a line to click (\"touch\" to tap)")
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			done <- result{err: fmt.Errorf("read gesture: %w", err)}
			return
		}
		done <- result{ev: eventFor(strings.TrimSpace(line))}
	}()

	select {
	case r := <-done:
		return r.ev, r.err
	case <-ctx.Done():
		return platform.Event{}, fmt.Errorf("waiting for gesture: %w", ctx.Err())
	}
}

func readKey(f *os.File) (platform.Event, error) {
	fd := int(f.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return platform.Event{}, fmt.Errorf("failed to enter raw mode: %w", err)
	}
	defer func() { _ = term.Restore(fd, state) }()

	buf := make([]byte, 1)
	if _, err := f.Read(buf); err != nil {
		return platform.Event{}, fmt.Errorf("read gesture: %w", err)
	}
	if buf[0] == 't' || buf[0] == 'T' {
		return eventFor("touch"), nil
	}
	return eventFor(""), nil
}

func eventFor(input string) platform.Event {
	if input == "touch" {
		return platform.Event{Type: platform.EventClick, PointerType: "touch"}
	}
	return platform.Event{Type: platform.EventClick, PointerType: "mouse"}
}

func report(w io.Writer, m *gate.Machine) {
	out := struct {
		MachineID    string             `json:"machineId"`
		State        gate.State         `json:"state"`
		Requirements []gate.Requirement `json:"requirements"`
		Transitions  []gate.Transition  `json:"transitions"`
		Payloads     map[string]string  `json:"payloads,omitempty"`
	}{
		MachineID:   m.ID(),
		State:       m.State(),
		Transitions: m.Transitions(),
		Payloads:    make(map[string]string),
	}
	for _, r := range m.Requirements() {
		// Host objects do not serialize; only ids are reported.
		out.Requirements = append(out.Requirements, gate.Requirement{ID: r.ID})
		if v, ok := m.Get(r.ID); ok {
			out.Payloads[r.ID] = fmt.Sprintf("%T", v)
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

// buildHub wires the configured sinks. The returned func closes them after
// the hub drained.
func buildHub(ctx context.Context, cfg *config.Config) (*mirror.Hub, func(), error) {
	hub := mirror.NewHub(mirror.Options{
		QueueSize:  cfg.Mirror.QueueSize,
		MaxRetries: cfg.Mirror.MaxRetries,
	})
	var closers []func() error

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logx.Warnf("failed to close sink: %v", err)
			}
		}
	}

	if cfg.EventLog.Dir != "" {
		w, err := eventlog.NewWriter(cfg.EventLog.Dir, cfg.EventLog.RotationHours)
		if err != nil {
			return nil, nil, err
		}
		hub.Add(w)
		closers = append(closers, w.Close)
	}

	if cfg.Store.Path != "" {
		store, err := persistence.Open(ctx, cfg.Store.Path)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		hub.Add(store)
		closers = append(closers, store.Close)
	}

	if cfg.Mirror.URL != "" {
		client := mirror.NewClient(cfg.Mirror.URL)
		hub.Add(client)
		closers = append(closers, client.Close)
	}

	return hub, closeAll, nil
}

// serveMetrics exposes reg on addr until the returned func is called. An empty
// addr disables the endpoint.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Warnf("metrics server on %s stopped: %v", addr, err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
