// Command lithiumcored is the host process embedding the core: event loop,
// message bus, command dispatcher, script subsystem, guider client and
// exposure sequencer, wired together through the Global Service Registry
// and left running until an operator-owned transport (out of scope here)
// drives it, or the process receives a termination signal.
//
// Grounded on warren's cmd/warren/main.go: a single cobra root command with
// persistent flags bound in init(), a cobra.OnInitialize logging hook, and
// RunE doing the real startup work.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skywave-obs/lithiumcore/pkg/bus"
	"github.com/skywave-obs/lithiumcore/pkg/dispatcher"
	"github.com/skywave-obs/lithiumcore/pkg/eventloop"
	"github.com/skywave-obs/lithiumcore/pkg/gateway"
	"github.com/skywave-obs/lithiumcore/pkg/guider"
	"github.com/skywave-obs/lithiumcore/pkg/log"
	"github.com/skywave-obs/lithiumcore/pkg/metrics"
	"github.com/skywave-obs/lithiumcore/pkg/registry"
	"github.com/skywave-obs/lithiumcore/pkg/script"
	"github.com/skywave-obs/lithiumcore/pkg/script/analyzer"
	"github.com/skywave-obs/lithiumcore/pkg/sequencer"
)

var (
	// Version is set via ldflags during build.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "lithiumcored",
	Short:   "lithiumcore control core host process",
	Long:    `lithiumcored hosts the event loop, message bus, command dispatcher, script subsystem, guider client and exposure sequencer behind the Global Service Registry.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("lithiumcored %s\n", Version))

	rootCmd.PersistentFlags().String("host", "0.0.0.0", "bind address for the (external) transport surface")
	rootCmd.PersistentFlags().Int("port", 8000, "bind port for the (external) transport surface")
	rootCmd.PersistentFlags().String("config", "", "path to the main configuration file")
	rootCmd.PersistentFlags().String("module-path", "", "device driver search path")
	rootCmd.PersistentFlags().Bool("web-panel", false, "enable the web control panel")
	rootCmd.PersistentFlags().Bool("debug", false, "enable the interactive debug terminal and debug-level logging")
	rootCmd.PersistentFlags().String("log-file", "", "optional path for an additional log sink")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	debug, _ := rootCmd.PersistentFlags().GetBool("debug")
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: true})
}

// resolvedPaths are the module/script search directories, with explicit
// flags taking precedence over the environment (§6 "Environment").
type resolvedPaths struct {
	moduleDir string
	scriptDir string
}

func resolvePaths(modulePathFlag string) resolvedPaths {
	rp := resolvedPaths{}
	if modulePathFlag != "" {
		rp.moduleDir = modulePathFlag
	} else if v, ok := os.LookupEnv("LITHIUM_MODULE_DIR"); ok {
		rp.moduleDir = v
	}
	if v, ok := os.LookupEnv("LITHIUM_SCRIPT_DIR"); ok {
		rp.scriptDir = v
	}
	return rp
}

// openLogFile opens (creating or appending to) the file that --log-file
// names, creating its directory if needed, for use as the second writer of
// the logger's io.MultiWriter. It returns nil when --log-file is empty. No
// logs/<timestamp>.log file is created.
func openLogFile(explicit string) (*os.File, error) {
	path := explicit
	if path == "" {
		return nil, nil
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func run(cmd *cobra.Command, args []string) error {
	logFileFlag, _ := cmd.Flags().GetString("log-file")
	modulePathFlag, _ := cmd.Flags().GetString("module-path")
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	debug, _ := cmd.Flags().GetBool("debug")

	logFile, err := openLogFile(logFileFlag)
	if err != nil {
		// Fatal initialization error: exit 2, bypassing cobra's own
		// error path (which would otherwise report exit 1).
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(2)
	}
	if logFile != nil {
		defer logFile.Close()
		level := log.InfoLevel
		if debug {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: true, Output: io.MultiWriter(os.Stdout, logFile)})
	}

	paths := resolvePaths(modulePathFlag)
	log.Logger.Info().
		Str("host", host).
		Int("port", port).
		Str("module_dir", paths.moduleDir).
		Str("script_dir", paths.scriptDir).
		Msg("starting lithiumcored")

	metrics.SetVersion(Version)
	reg := registry.New()

	loop := eventloop.New(eventloop.Config{Workers: 4})
	defer loop.Stop(true)
	registry.Add(reg, registry.EventLoop, loop)
	metrics.RegisterComponent(registry.EventLoop, true, "")

	b := bus.New()
	registry.Add(reg, registry.MessageBus, b)
	metrics.RegisterComponent(registry.MessageBus, true, "")

	d := dispatcher.New(dispatcher.Config{Loop: loop})
	registry.Add(reg, registry.CommandDispatcher, d)
	metrics.RegisterComponent(registry.CommandDispatcher, true, "")

	a := analyzer.New()
	registry.Add(reg, registry.ScriptAnalyzer, a)
	metrics.RegisterComponent(registry.ScriptAnalyzer, true, "")

	sm := script.New(script.Config{Analyzer: a})
	registry.Add(reg, registry.ScriptManager, sm)
	metrics.RegisterComponent(registry.ScriptManager, true, "")

	seq := sequencer.New(sequencer.Config{Dispatcher: d, Bus: b, MaxConcurrent: 4})
	registry.Add(reg, registry.Sequencer, seq)
	metrics.RegisterComponent(registry.Sequencer, true, "")

	// sequencer.add_target is the one production command wired to the undo
	// stack (§4.C "undo"): its inverse removes the target by name again, so
	// HandleUndoLast can reverse a mistaken addition.
	if err := d.Register(gateway.SequencerAddTargetCommand, func(args dispatcher.Args) (any, error) {
		var doc sequencer.TargetDoc
		if err := args.Decode(&doc); err != nil {
			return nil, err
		}
		return nil, seq.AddTarget(doc)
	}, dispatcher.Options{Undo: func(args dispatcher.Args) (any, error) {
		var inverse struct {
			Name string `json:"name"`
		}
		if err := args.Decode(&inverse); err != nil {
			return nil, err
		}
		return nil, seq.RemoveTarget(inverse.Name)
	}}); err != nil {
		log.Logger.Fatal().Err(err).Msg("registering sequencer.add_target command")
	}

	// The guider's own host/port come from the main configuration file
	// (out of scope here, see §6 "Files"), not the transport bind flags
	// above; Connect is left to whatever reads that file.
	gc := guider.New(guider.ConnectionConfig{AutoReconnect: true, Bus: b})
	registry.Add(reg, registry.GuiderClient, gc)
	metrics.RegisterComponent(registry.GuiderClient, false, "not connected")

	b.Subscribe("guider.settle.done", bus.Queued, func(_ bus.Topic, payload any) {
		if evt, ok := payload.(map[string]any); ok {
			if _, failed := evt["error"]; failed {
				metrics.UpdateComponent(registry.GuiderClient, false, fmt.Sprint(evt["error"]))
				return
			}
		}
		metrics.UpdateComponent(registry.GuiderClient, true, "")
	})

	b.Subscribe(bus.Topic(guider.ConnectionStateTopic), bus.Queued, func(_ bus.Topic, payload any) {
		evt, ok := payload.(map[string]any)
		if !ok {
			return
		}
		state, _ := evt["state"].(string)
		switch guider.SessionState(state) {
		case guider.SessionConnected:
			metrics.UpdateComponent(registry.GuiderClient, true, "")
		case guider.SessionError, guider.SessionDisconnected:
			metrics.UpdateComponent(registry.GuiderClient, false, "session "+state)
		default:
			metrics.UpdateComponent(registry.GuiderClient, false, "session "+state)
		}
	})

	gw := gateway.New(reg)
	_ = gw // consumed by the (out-of-scope) transport surface driving the core

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Logger.Info().Msg("lithiumcored ready")
	<-ctx.Done()
	log.Logger.Info().Msg("shutting down lithiumcored")
	seq.Stop()
	_ = gc.Close()
	return nil
}
