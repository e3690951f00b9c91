// updater is the CLI for the patch-application engine.
//
// Commands:
//
//	updater update    Apply pending patches to the client directory
//	updater status    Show current and target versions
//	updater version   Print build version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/anvilgames/updater/internal/config"
	"github.com/anvilgames/updater/internal/sequencer"
	"github.com/anvilgames/updater/internal/state"
	"github.com/anvilgames/updater/internal/transport"
	"github.com/anvilgames/updater/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "update":
		cmdUpdate(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "version":
		fmt.Println(version.Version())
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: updater <command> [options]

Commands:
  update     Apply pending patches to the client directory
  status     Show current and target versions
  version    Print build version

Options:
  --config path   Read configuration from a YAML file
  --root url      Patch server root URL (overrides config)
  --client dir    Client directory to patch (overrides config)

Examples:
  updater update --root http://patch.example.com/live --client /opt/game
  updater status --config /etc/updater.yaml`)
}

// commonFlags parses the flags shared by update and status and returns the
// resolved configuration.
func commonFlags(name string, args []string) *config.Config {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	root := fs.String("root", "", "patch server root URL")
	client := fs.String("client", "", "client directory")
	fs.Parse(args)

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}
	if *root != "" {
		cfg.PatchRootURL = *root
	}
	if *client != "" {
		cfg.ClientDir = *client
	}
	if cfg.PatchRootURL == "" {
		fatal(errors.New("no patch server root URL (set --root or patch_root_url)"))
	}
	return cfg
}

func cmdUpdate(args []string) {
	cfg := commonFlags("update", args)
	if err := cfg.EnsureDirs(); err != nil {
		fatal(err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fatal(err)
	}
	defer log.Sync()

	store, err := state.Open(cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	client := transport.NewHTTPClient(cfg.DownloadTimeout, log)
	versions := &transport.HTTPVersionSource{RootURL: cfg.PatchRootURL, Client: client}

	seq := sequencer.New(cfg, store, client, versions, consoleProgress{}, log)
	sum, err := seq.Run(context.Background())
	if err != nil {
		log.Error("patch run failed", zap.Error(err))
		os.Exit(1)
	}

	if sum.Applied == 0 {
		fmt.Printf("already up to date at version %d\n", sum.End)
		return
	}
	fmt.Printf("updated %d → %d: %d patches, %d files written (%d bytes), %d deleted\n",
		sum.Start, sum.End, sum.Applied, sum.FilesWritten, sum.BytesWritten, sum.FilesDeleted)
}

func cmdStatus(args []string) {
	cfg := commonFlags("status", args)

	store, err := state.Open(cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	current, err := store.CurrentVersion()
	if err != nil {
		fatal(err)
	}
	fmt.Printf("current version: %d\n", current)

	phase, markVersion, err := store.LastMark()
	if err != nil {
		fatal(err)
	}
	if phase != state.PhaseNone && markVersion > current {
		fmt.Printf("pending patch:   %d (checkpoint %s)\n", markVersion, phase)
	}

	client := transport.NewHTTPClient(cfg.DownloadTimeout, nil)
	versions := &transport.HTTPVersionSource{RootURL: cfg.PatchRootURL, Client: client}
	target, err := versions.TargetVersion(context.Background())
	if err != nil {
		fmt.Printf("target version:  unavailable (%v)\n", err)
		return
	}
	fmt.Printf("target version:  %d\n", target)
	if current < target {
		fmt.Printf("%d patches pending\n", target-current)
	}
}

// consoleProgress prints phase transitions for interactive runs.
type consoleProgress struct{}

func (consoleProgress) PhaseChanged(phase sequencer.Phase, version, target int) {
	fmt.Printf("[%d/%d] %s\n", version, target, phase)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
