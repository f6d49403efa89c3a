// Package main is the entry point for the numdeck plugin host.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/numdeck/numdeck/internal/config"
	"github.com/numdeck/numdeck/internal/host"
	"github.com/numdeck/numdeck/internal/plugin"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	configPath  string
	pluginPaths string
	logLevel    string
	load        string
	loadAll     bool
	list        bool
	callTimeout time.Duration
	set         map[string]bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	// Explicit flags win over file and environment.
	if opts.set["plugins"] || opts.set["p"] {
		cfg.PluginPaths = strings.Split(opts.pluginPaths, string(os.PathListSeparator))
	}
	if opts.set["log-level"] {
		cfg.LogLevel = opts.logLevel
	}
	if opts.set["call-timeout"] {
		cfg.CallTimeout = config.Duration(opts.callTimeout)
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q\n", cfg.LogLevel)
		return 1
	}
	log.SetLevel(level)

	services := host.NewServices(log)
	fetcher := &plugin.RouteFetcher{
		Local:  plugin.NewDirFetcher(cfg.PluginPaths...),
		Remote: plugin.NewHTTPFetcher(nil),
	}

	manager := plugin.NewManager(plugin.ManagerConfig{
		Fetcher:     fetcher,
		Services:    services.Capability(),
		CacheTTL:    time.Duration(cfg.CacheTTL),
		CallTimeout: time.Duration(cfg.CallTimeout),
		Logger:      log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if opts.list {
		return listPlugins(manager)
	}

	if opts.loadAll {
		if _, err := manager.LoadAll(ctx); err != nil {
			log.Warnf("some plugins failed to load: %v", err)
		}
	}
	refs := append(append([]string(nil), cfg.Autoload...), splitRefs(opts.load)...)
	for _, ref := range refs {
		if _, err := manager.Load(ctx, ref, plugin.LoadOptions{}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: load %s: %v\n", ref, err)
			return 1
		}
	}

	stats := manager.Stats()
	log.Infof("plugins loaded: %d total, %d enabled", stats.Total, stats.Enabled)
	if stats.Total == 0 {
		fmt.Fprintln(os.Stderr, "No plugins loaded; use -load, -all, or an autoload config")
		return 1
	}

	// Handle signals for graceful shutdown
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
	return 0
}

func listPlugins(manager *plugin.Manager) int {
	manifests, err := manager.Discover()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: discover: %v\n", err)
		return 1
	}
	if len(manifests) == 0 {
		fmt.Println("No plugins found")
		return 0
	}
	for _, m := range manifests {
		fmt.Printf("%-40s %-10s %s\n", m.ID, m.Version, m.Name)
	}
	return 0
}

func splitRefs(s string) []string {
	var refs []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, r)
		}
	}
	return refs
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.pluginPaths, "plugins", "./plugins", "Plugin search paths (separated by the OS path list separator)")
	flag.StringVar(&opts.pluginPaths, "p", "./plugins", "Plugin search paths (shorthand)")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&opts.load, "load", "", "Comma-separated plugin ids or URLs to load")
	flag.BoolVar(&opts.loadAll, "all", false, "Load every discovered plugin")
	flag.BoolVar(&opts.list, "list", false, "List discovered plugins and exit")
	flag.DurationVar(&opts.callTimeout, "call-timeout", 30*time.Second, "Per-call plugin timeout")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Numdeck - numeric dashboard plugin host\n\n")
		fmt.Fprintf(os.Stderr, "Usage: numdeck [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  numdeck -list                           List available plugins\n")
		fmt.Fprintf(os.Stderr, "  numdeck -all                            Load everything under ./plugins\n")
		fmt.Fprintf(os.Stderr, "  numdeck -load org.example.stats         Load one plugin by id\n")
		fmt.Fprintf(os.Stderr, "  numdeck -load https://plugins.example.com/stats  Load from a URL\n")
	}

	flag.Parse()

	opts.set = make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("Numdeck %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	return opts
}
