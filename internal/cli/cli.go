// Package cli wires configuration, logging and the stitching pipeline into
// the panoviewer command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"panoviewer/internal/backend"
	"panoviewer/internal/capture"
	"panoviewer/internal/config"
	"panoviewer/internal/display"
	"panoviewer/internal/logger"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Root holds state shared by all commands.
type Root struct {
	cfgPath   string
	logLevel  string
	logFormat string

	out    io.Writer
	logOut io.Writer

	mu  sync.RWMutex
	cfg *config.Config
	log zerolog.Logger

	// Factories, replaced in tests.
	newBackend func(backend.Kind) (backend.Backend, error)
	newSink    func(config.Display, zerolog.Logger) (display.Sink, error)
	newOpener  func(config.Cameras) capture.Opener
}

// NewRoot returns a Root printing command output to out and logs to logOut.
func NewRoot(out, logOut io.Writer) *Root {
	return &Root{
		out:        out,
		logOut:     logOut,
		log:        zerolog.Nop(),
		newBackend: backend.New,
		newSink:    display.New,
		newOpener: func(c config.Cameras) capture.Opener {
			return capture.ConfigOpener{Cameras: c}
		},
	}
}

// Command builds the cobra command tree.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "panoviewer",
		Short: "Real-time panorama from three cameras",
		Long: `panoviewer calibrates three side-by-side cameras once, then stitches
their frames into a live panorama until the stop key is pressed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return r.loadConfig(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&r.cfgPath, "config", "", "config file (default $"+config.EnvPath+" or ~/.config/panoviewer/config.json)")
	rootCmd.PersistentFlags().StringVar(&r.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&r.logFormat, "log-format", "", "log format: console or json")

	rootCmd.SetOut(r.out)
	rootCmd.SetErr(r.logOut)

	rootCmd.AddCommand(newRunCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))
	return rootCmd
}

// Run executes the command line args.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.Command()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// Execute runs panoviewer with the process arguments and returns the exit
// code. SIGINT and SIGTERM stop the pipeline cleanly.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := NewRoot(os.Stdout, os.Stderr)
	if err := r.Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func (r *Root) configPath() (string, error) {
	if r.cfgPath != "" {
		return r.cfgPath, nil
	}
	return config.Path()
}

// loadConfig reads the config file and builds the logger from it, letting
// the persistent flags win.
func (r *Root) loadConfig(cmd *cobra.Command) error {
	path, err := r.configPath()
	if err != nil {
		return err
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	r.cfgPath = path

	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = r.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Logging.Format = r.logFormat
	}

	r.setConfig(cfg)
	r.log = logger.New(r.logOut, cfg.Logging.Level, cfg.Logging.Format)
	return nil
}

func (r *Root) config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *Root) setConfig(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}
