// Command mdnssd announces this host's service over mDNS/DNS-SD and
// discovers services on the local network.
//
// Usage:
//
//	mdnssd [flags]
//
// Flags:
//
//	-config string      Configuration file path
//	-verbose            Log at debug level
//	-log-level string   Log level: debug, info, warn, error (default "info")
//	-scan               Scan once, print the results and exit
//	-daemonscan         Answer scan requests (SIGUSR1) while running
//	-autoscan           Watch continuously and publish new services
//	-stdout             Print scan results in plain text
//	-nopublishbus       Do not publish scan results as JSON
//	-topic string       Topic for scan results
//	-type string        Service type to scan (default "_https._tcp")
//	-trace string       Write a discovery trace (.dlog) to this file
//	-interactive        Start the interactive console
//
// Examples:
//
//	# Scan the network once and print what answers
//	mdnssd -scan -stdout -nopublishbus
//
//	# Run as a daemon, announcing and watching for new UPS
//	mdnssd -config /etc/mdnssd/mdnssd.yaml -autoscan
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/netdisco/mdnssd-go/cmd/mdnssd/interactive"
	"github.com/netdisco/mdnssd-go/pkg/agent"
	"github.com/netdisco/mdnssd-go/pkg/config"
	"github.com/netdisco/mdnssd-go/pkg/discovery"
	dlog "github.com/netdisco/mdnssd-go/pkg/log"
	"github.com/netdisco/mdnssd-go/pkg/zcstack"
)

// Flags holds the command line.
type Flags struct {
	ConfigFile   string
	Verbose      bool
	LogLevel     string
	ScanOnly     bool
	DaemonScan   bool
	AutoScan     bool
	StdOut       bool
	NoPublishBus bool
	Topic        string
	Type         string
	TraceFile    string
	Interactive  bool
}

var flags Flags

func init() {
	flag.StringVar(&flags.ConfigFile, "config", "", "Configuration file path")
	flag.BoolVar(&flags.Verbose, "verbose", false, "Log at debug level")
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&flags.ScanOnly, "scan", false, "Scan once, print the results and exit")
	flag.BoolVar(&flags.DaemonScan, "daemonscan", false, "Answer scan requests (SIGUSR1) while running")
	flag.BoolVar(&flags.AutoScan, "autoscan", false, "Watch continuously and publish new services")
	flag.BoolVar(&flags.StdOut, "stdout", false, "Print scan results in plain text")
	flag.BoolVar(&flags.NoPublishBus, "nopublishbus", false, "Do not publish scan results as JSON")
	flag.StringVar(&flags.Topic, "topic", "", "Topic for scan results")
	flag.StringVar(&flags.Type, "type", "", "Service type to scan")
	flag.StringVar(&flags.TraceFile, "trace", "", "Write a discovery trace (.dlog) to this file")
	flag.BoolVar(&flags.Interactive, "interactive", false, "Start the interactive console")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	cfg := config.Default()
	if flags.ConfigFile != "" {
		var err error
		if cfg, err = config.Load(flags.ConfigFile); err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := setupLogging(cfg)

	tracer, closeTrace := setupTrace(cfg, logger)
	defer closeTrace()

	stackConfig := zcstack.DefaultConfig()
	stackConfig.Logger = logger
	stack := zcstack.New(stackConfig)

	params := agent.Parameters{
		ScanOnly:         flags.ScanOnly,
		ScanDaemonActive: cfg.Scan.DaemonActive,
		ScanAuto:         cfg.Scan.Auto,
		ScanStdOut:       cfg.Scan.StdOut,
		ScanNoPublishBus: cfg.Scan.NoBusOut,
		ScanType:         cfg.Scan.Type,
		ScanFilter:       cfg.ScanFilter(),
		ScanTimeout:      cfg.Scan.Timeout,
		ScanTopic:        cfg.Scan.DefaultScanTopic,
		NewScanTopic:     cfg.Scan.NewScanTopic,
		AnnounceDelay:    cfg.Announce.Delay,
	}

	txt := discovery.TXTRecordMap{discovery.TXTKeyUUID: uuid.Nil.String()}
	for k, v := range cfg.TXTRecords() {
		txt[k] = v
	}

	mgr := agent.NewManager(stack, params, agent.Config{
		Logger:    logger,
		Tracer:    tracer,
		Publisher: agent.NewJSONPublisher(os.Stdout),
		Info:      agent.StaticInfo{Descriptor: cfg.Descriptor(), TXT: txt},
		Stdout:    os.Stdout,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case params.ScanOnly:
		if _, err := mgr.DoScan(ctx); err != nil {
			log.Fatalf("Scan failed: %v", err)
		}

	case flags.Interactive:
		if err := mgr.Init(); err != nil {
			log.Fatalf("Failed to start: %v", err)
		}
		console, err := interactive.New(mgr, cfg, os.Stdout)
		if err != nil {
			log.Fatalf("Failed to start console: %v", err)
		}
		console.Run(ctx, cancel)
		mgr.Stop()

	default:
		runDaemon(ctx, mgr, params, logger)
	}
}

// runDaemon announces after the configured delay and serves until a
// termination signal arrives.
func runDaemon(ctx context.Context, mgr *agent.Manager, params agent.Parameters, logger *slog.Logger) {
	if err := mgr.Init(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	logger.Info("mdnssd started", "scanType", params.ScanType, "autoScan", params.ScanAuto)

	announced := mgr.DoDefaultAnnounceAfter(ctx, params.AnnounceDelay)
	go func() {
		if err := <-announced; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Default announcement failed", "error", err)
		}
	}()

	if params.ScanDaemonActive {
		scanRequests := make(chan os.Signal, 1)
		signal.Notify(scanRequests, syscall.SIGUSR1)
		defer signal.Stop(scanRequests)
		go func() {
			for {
				select {
				case <-scanRequests:
					if _, err := mgr.DoScan(ctx); err != nil {
						logger.Error("Scan request failed", "error", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	if err := mgr.Run(ctx); err != nil {
		log.Fatalf("Agent stopped: %v", err)
	}
	logger.Info("mdnssd stopped")
}

func applyFlags(cfg *config.Config) {
	if flags.Verbose {
		cfg.Server.Verbose = true
		cfg.Log.Level = "debug"
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	if flags.DaemonScan {
		cfg.Scan.DaemonActive = true
	}
	if flags.AutoScan {
		cfg.Scan.Auto = true
	}
	if flags.StdOut {
		cfg.Scan.StdOut = true
	}
	if flags.NoPublishBus {
		cfg.Scan.NoBusOut = true
	}
	if flags.Topic != "" {
		cfg.Scan.DefaultScanTopic = flags.Topic
	}
	if flags.Type != "" {
		cfg.Scan.Type = flags.Type
	}
	if flags.TraceFile != "" {
		cfg.Log.TraceFile = flags.TraceFile
	}
}

func setupLogging(cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLevel(cfg.Log.Level)
	if level <= slog.LevelDebug {
		log.SetFlags(log.Ltime | log.Lmicroseconds | log.Lshortfile)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// setupTrace opens the trace file and, at debug level, mirrors events to
// the console.
func setupTrace(cfg *config.Config, logger *slog.Logger) (dlog.Logger, func()) {
	var loggers []dlog.Logger
	var closer io.Closer

	if cfg.Log.TraceFile != "" {
		fl, err := dlog.NewFileLogger(cfg.Log.TraceFile)
		if err != nil {
			log.Fatalf("Failed to open trace file: %v", err)
		}
		loggers = append(loggers, fl)
		closer = fl
	}
	if cfg.Server.Verbose {
		loggers = append(loggers, dlog.NewSlogAdapter(logger))
	}

	closeFn := func() {
		if closer != nil {
			closer.Close()
		}
	}
	if len(loggers) == 0 {
		return nil, closeFn
	}
	return dlog.NewMultiLogger(loggers...), closeFn
}
