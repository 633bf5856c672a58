package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "duckd v%s\n", version)
	fmt.Fprintln(w, "Lowers a music player's volume while the browser is playing")
}

func printUsage(w io.Writer) {
	printVersion(w)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  duckd [OPTIONS]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "DESCRIPTION:")
	fmt.Fprintln(w, "  Watches the trigger player (a browser) over MPRIS and fades the target")
	fmt.Fprintln(w, "  player (a music service) down while the trigger is playing, and back up")
	fmt.Fprintln(w, "  when it stops.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "MODES:")
	fmt.Fprintln(w, "  -d, -daemon")
	fmt.Fprintln(w, "        Monitor continuously (default when no mode is given)")
	fmt.Fprintln(w, "  -l, -lower")
	fmt.Fprintln(w, "        Fade the target to the lower volume once and exit")
	fmt.Fprintln(w, "  -n, -normal")
	fmt.Fprintln(w, "        Fade the target to the normal volume once and exit")
	fmt.Fprintln(w, "  -status")
	fmt.Fprintln(w, "        Print the state of a running daemon (via -ipc-socket) and exit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "OPTIONS:")
	fmt.Fprintln(w, "  -config string")
	fmt.Fprintln(w, "        Path to YAML config file (optional)")
	fmt.Fprintln(w, "  -trigger string")
	fmt.Fprintf(w, "        MPRIS identity of the trigger player (default %q)\n", defaultTriggerIdentity)
	fmt.Fprintln(w, "  -target string")
	fmt.Fprintf(w, "        MPRIS identity of the target player (default %q)\n", defaultTargetIdentity)
	fmt.Fprintln(w, "  -lower-volume int")
	fmt.Fprintf(w, "        Ducked volume in percent (default %d)\n", defaultLowerVolume)
	fmt.Fprintln(w, "  -normal-volume int")
	fmt.Fprintf(w, "        Normal volume in percent (default %d)\n", defaultNormalVolume)
	fmt.Fprintln(w, "  -transition-ms int")
	fmt.Fprintf(w, "        Total fade duration in ms (default %d)\n", defaultTransitionMS)
	fmt.Fprintln(w, "  -poll-interval-ms int")
	fmt.Fprintf(w, "        Poll interval in ms (default %d)\n", defaultPollIntervalMS)
	fmt.Fprintln(w, "  -bus-address string")
	fmt.Fprintln(w, "        D-Bus session bus address (default: $DBUS_SESSION_BUS_ADDRESS or /run/user/<uid>/bus)")
	fmt.Fprintln(w, "  -ipc-socket string")
	fmt.Fprintf(w, "        Unix socket for status queries, empty disables (default %q)\n", defaultIPCSocketPath)
	fmt.Fprintln(w, "  -ws-listen string")
	fmt.Fprintln(w, "        Listen address for the state websocket, e.g. 127.0.0.1:3011 (default disabled)")
	fmt.Fprintln(w, "  -log-level string")
	fmt.Fprintln(w, "        Log level: error, warn, info, debug (default \"info\")")
	fmt.Fprintln(w, "  -version")
	fmt.Fprintln(w, "        Print version and exit")
	fmt.Fprintln(w, "  -help")
	fmt.Fprintln(w, "        Print this help message")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "EXAMPLES:")
	fmt.Fprintln(w, "  # Run the daemon with defaults")
	fmt.Fprintln(w, "  duckd")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  # Duck a different player once")
	fmt.Fprintln(w, "  duckd -target vlc -lower")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  # Stream state changes to websocket clients")
	fmt.Fprintln(w, "  duckd -ws-listen 127.0.0.1:3011")
}

// mode is what a single invocation does.
type mode int

const (
	modeDaemon mode = iota
	modeLower
	modeNormal
	modeStatus
)

// options is the parsed command line.
type options struct {
	mode       mode
	configPath string
	overrides  FlagOverrides
	help       bool
	version    bool
}

// parseArgs parses the command line.
// Mode precedence: -daemon beats -lower, which beats -normal, which beats -status.
func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("duckd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		daemon, lower, normal, status bool
		opts                          options

		trigger       = fs.String("trigger", "", "")
		target        = fs.String("target", "", "")
		lowerVolume   = fs.Int("lower-volume", 0, "")
		normalVolume  = fs.Int("normal-volume", 0, "")
		transitionMS  = fs.Int("transition-ms", 0, "")
		pollMS        = fs.Int("poll-interval-ms", 0, "")
		busAddress    = fs.String("bus-address", "", "")
		ipcSocketPath = fs.String("ipc-socket", "", "")
		wsListen      = fs.String("ws-listen", "", "")
		logLevel      = fs.String("log-level", "", "")
	)

	fs.BoolVar(&daemon, "d", false, "")
	fs.BoolVar(&daemon, "daemon", false, "")
	fs.BoolVar(&lower, "l", false, "")
	fs.BoolVar(&lower, "lower", false, "")
	fs.BoolVar(&normal, "n", false, "")
	fs.BoolVar(&normal, "normal", false, "")
	fs.BoolVar(&status, "status", false, "")
	fs.StringVar(&opts.configPath, "config", "", "")
	fs.BoolVar(&opts.help, "help", false, "")
	fs.BoolVar(&opts.help, "h", false, "")
	fs.BoolVar(&opts.version, "version", false, "")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	// Only explicitly set flags override the config file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "trigger":
			opts.overrides.Trigger = trigger
		case "target":
			opts.overrides.Target = target
		case "lower-volume":
			opts.overrides.LowerPercent = lowerVolume
		case "normal-volume":
			opts.overrides.NormalPercent = normalVolume
		case "transition-ms":
			opts.overrides.TransitionMS = transitionMS
		case "poll-interval-ms":
			opts.overrides.PollIntervalMS = pollMS
		case "bus-address":
			opts.overrides.BusAddress = busAddress
		case "ipc-socket":
			opts.overrides.IPCSocketPath = ipcSocketPath
		case "ws-listen":
			opts.overrides.WSListenAddr = wsListen
		case "log-level":
			opts.overrides.LogLevel = logLevel
		}
	})

	switch {
	case daemon:
		opts.mode = modeDaemon
	case lower:
		opts.mode = modeLower
	case normal:
		opts.mode = modeNormal
	case status:
		opts.mode = modeStatus
	default:
		opts.mode = modeDaemon
	}

	return opts, nil
}

// loadConfig layers defaults, the optional file and flag overrides.
func loadConfig(opts options) (Config, error) {
	cfg := DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = LoadConfigFile(opts.configPath); err != nil {
			return Config{}, err
		}
	}
	opts.overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one invocation and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		fmt.Fprintln(stderr, "run 'duckd -help' for usage")
		return 2
	}
	if opts.help {
		printUsage(stdout)
		return 0
	}
	if opts.version {
		printVersion(stdout)
		return 0
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	level, _ := parseLogLevel(cfg.Logging.Level)
	// Diagnostics go to the operator's error stream; stdout carries -status output.
	logger := setupLogger(stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch opts.mode {
	case modeStatus:
		err = printStatus(stdout, cfg.IPC.SocketPath)
	case modeLower:
		err = runOneShot(ctx, cfg, logger, true)
	case modeNormal:
		err = runOneShot(ctx, cfg, logger, false)
	default:
		err = runDaemonMode(ctx, cfg, logger)
	}

	if err != nil {
		logger.Error("fatal", "error", err)
		return 1
	}
	return 0
}

func connectDirectory(ctx context.Context, cfg Config, logger *slog.Logger) (*MPRISDirectory, error) {
	addr, err := sessionBusAddress(cfg.MPRIS.BusAddress)
	if err != nil {
		return nil, err
	}
	return ConnectMPRIS(ctx, addr, cfg.CallTimeout(), logger)
}

// runOneShot resolves the target once and fires a single duck or restore.
func runOneShot(ctx context.Context, cfg Config, logger *slog.Logger, lower bool) error {
	dir, err := connectDirectory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dir.Close()

	return oneShot(ctx, cfg, dir, NewTransitioner(cfg.TransitionDuration(), nil), logger, lower)
}

func oneShot(ctx context.Context, cfg Config, dir PlayerDirectory, engine *Transitioner, logger *slog.Logger, lower bool) error {
	target, ok, err := dir.Find(ctx, cfg.Target.Identity)
	if err != nil {
		return fmt.Errorf("find target %q: %w", cfg.Target.Identity, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlayerNotFound, cfg.Target.Identity)
	}

	m := NewMonitor(cfg.ToMonitorConfig(), dir, engine, logger)
	if lower {
		return m.Duck(ctx, target)
	}
	return m.Restore(ctx, target)
}

// runDaemonMode runs the monitor plus the optional IPC and websocket servers.
// The first fatal error stops everything.
func runDaemonMode(ctx context.Context, cfg Config, logger *slog.Logger) error {
	dir, err := connectDirectory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dir.Close()

	logger.Debug("configuration",
		"trigger", cfg.Trigger.Identity,
		"target", cfg.Target.Identity,
		"lower_percent", cfg.Volume.LowerPercent,
		"normal_percent", cfg.Volume.NormalPercent,
		"transition_ms", cfg.Volume.TransitionMS,
		"poll_interval_ms", cfg.Monitor.PollIntervalMS,
		"target_absent_poll_ms", cfg.Monitor.TargetAbsentPollMS,
		"ipc_socket", cfg.IPC.SocketPath,
		"ws_listen", cfg.WebSocket.ListenAddr)

	monitor := NewMonitor(cfg.ToMonitorConfig(), dir, NewTransitioner(cfg.TransitionDuration(), nil), logger)

	requests := make(chan RequestStateSnapshot, 8)
	var broadcasts chan StateBroadcast
	if cfg.WebSocket.ListenAddr != "" {
		broadcasts = make(chan StateBroadcast, 32)
	}
	monitor.Attach(requests, broadcasts)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Run(gctx)
	})

	if cfg.IPC.SocketPath != "" {
		g.Go(func() error {
			return runIPCServer(gctx, ExpandPath(cfg.IPC.SocketPath), requests, logger)
		})
	}

	if cfg.WebSocket.ListenAddr != "" {
		srv := NewStateServer(logger, requests, HubConfig{})
		mux := http.NewServeMux()
		srv.Register(mux, cfg.WebSocket.Path)

		g.Go(func() error {
			srv.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, srv.Hub(), broadcasts, logger)
			return nil
		})
		g.Go(func() error {
			return runStateWSServer(gctx, cfg.WebSocket.ListenAddr, mux, logger)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}

func printStatus(w io.Writer, socketPath string) error {
	if socketPath == "" {
		return errors.New("ipc socket is disabled")
	}
	snap, err := QueryStatus(ExpandPath(socketPath))
	if err != nil {
		return err
	}

	state := "normal"
	if snap.Ducked {
		state = "ducked"
	}
	fmt.Fprintf(w, "state:          %s\n", state)
	fmt.Fprintf(w, "trigger:        %s\n", snap.Trigger)
	fmt.Fprintf(w, "target:         %s (present: %v)\n", snap.Target, snap.TargetPresent)
	fmt.Fprintf(w, "volumes:        lower %d%%, normal %d%%\n", snap.LowerVolume, snap.NormalVolume)
	fmt.Fprintf(w, "last decision:  %s\n", snap.LastDecision)
	if !snap.LastTickAt.IsZero() {
		fmt.Fprintf(w, "last tick:      %s\n", snap.LastTickAt.Format("15:04:05"))
	}
	fmt.Fprintf(w, "transitions:    %d ducks, %d restores\n", snap.DucksFired, snap.RestoresFired)
	return nil
}
