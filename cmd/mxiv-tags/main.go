// Package main is the entry point for mxiv-tags.
//
// mxiv-tags inspects and edits the tag database and library catalog that the
// media viewer keeps in its data directory. Configuration is read from CLI
// flags, a .env file in the data directory, and config.yaml (file names,
// orphan scan concurrency).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/ksid"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rvcalisto/mxiv-sub000/internal/config"
	"github.com/rvcalisto/mxiv-sub000/internal/library"
	"github.com/rvcalisto/mxiv-sub000/internal/tagdb"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "mxiv-tags: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	dataDir := flag.String("data-dir", defaultDataDir(), "Data directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = usage
	flag.Parse()

	bi := readBuildInfo()
	if *version {
		fmt.Print(bi)
		return nil
	}
	if flag.NArg() == 0 {
		usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if isEmpty(a.Value.Any()) {
				return slog.Attr{}
			}
			return a
		},
	}))
	// Several viewer windows may share the store; tell their logs apart.
	slog.SetDefault(logger.With("proc", ksid.NewID().String()))

	// The environment and .env only apply to flags not set explicitly.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if !set["data-dir"] {
		if v := os.Getenv("MXIV_DATA_DIR"); v != "" {
			*dataDir = v
		}
	}
	env, err := config.LoadEnv(*dataDir)
	if err != nil {
		return err
	}
	if !set["log-level"] {
		if v := env["LOG_LEVEL"]; v != "" {
			*logLevel = v
		}
	}
	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", *logLevel)
	}
	slog.DebugContext(ctx, "Starting", "build", bi)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg, err := config.Load(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Ensure(*dataDir); err != nil {
		return err
	}
	a := &app{
		tags: tagdb.Open(cfg.TagsPath(*dataDir), tagdb.Options{ScanLimit: cfg.OrphanScanLimit}),
		lib:  library.Open(cfg.LibraryPath(*dataDir), cfg.OrphanScanLimit),
		out:  os.Stdout,
	}
	slog.DebugContext(ctx, "Opened stores", "tags", a.tags.Path(), "library", a.lib.Path())
	return a.run(ctx, flag.Args())
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "usage: mxiv-tags [flags] <command> [args]\n\n")
	fmt.Fprintf(out, "commands:\n%s\nflags:\n", commandHelp)
	flag.PrintDefaults()
}

// defaultDataDir returns the per-user configuration directory of the viewer.
func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mxiv")
	}
	return "./data"
}

func isEmpty(val any) bool {
	switch t := val.(type) {
	case string:
		return t == ""
	case bool:
		return !t
	case uint64:
		return t == 0
	case int64:
		return t == 0
	case float64:
		return t == 0
	case time.Time:
		return t.IsZero()
	case time.Duration:
		return t == 0
	case nil:
		return true
	}
	return false
}

// buildInfo identifies the binary. Log lines of viewer windows built from
// different revisions can then be told apart.
type buildInfo struct {
	Version   string
	GoVersion string
	Revision  string
	Dirty     bool
}

// LogValue implements slog.LogValuer.
func (b buildInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("version", b.Version),
		slog.String("go", b.GoVersion),
		slog.String("rev", b.Revision),
		slog.Bool("dirty", b.Dirty),
	)
}

func (b buildInfo) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "mxiv-tags %s\n  Go version: %s\n  Revision:   %s\n", b.Version, b.GoVersion, b.Revision)
	if b.Dirty {
		sb.WriteString("  Modified:   true\n")
	}
	return sb.String()
}

func readBuildInfo() buildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return buildInfo{Version: "unknown", GoVersion: "unknown", Revision: "unknown"}
	}
	return newBuildInfo(info)
}

func newBuildInfo(info *debug.BuildInfo) buildInfo {
	b := buildInfo{Version: info.Main.Version, GoVersion: info.GoVersion, Revision: "unknown"}
	if b.Version == "" || b.Version == "(devel)" {
		b.Version = "dev"
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			// Short form, like git log --oneline.
			b.Revision = s.Value[:min(len(s.Value), 12)]
		case "vcs.modified":
			b.Dirty = s.Value == "true"
		}
	}
	return b
}
