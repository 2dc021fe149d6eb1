// ttbridge relays WebSocket clients to TeamTalk servers.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/aeolun/ttbridge/pkg/server"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=1.2.0"
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ttbridge: %v\n", err)
		os.Exit(1)
	}
}

// run parses args, starts the bridge and blocks until ctx is cancelled
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ttbridge", flag.ContinueOnError)

	configPath := fs.StringP("config", "c", "~/.ttbridge/config.toml", "Path to config file")
	port := fs.IntP("port", "p", 0, "Public WebSocket port (overrides config)")
	metricsPort := fs.Int("metrics-port", 0, "Internal metrics port, 0 disables (overrides config)")
	bind := fs.String("bind", "", "Address to bind listeners to (overrides config)")
	dbPath := fs.String("db", "", "SQLite path for the link audit log (overrides config)")
	debug := fs.Bool("debug", false, "Write debug logging to stderr")
	check := fs.Bool("check", false, "Print the resolved configuration and exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("ttbridge %s\n", version)
		return nil
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config, err := tomlConfig.ToServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Flags override config file and environment
	if fs.Changed("port") {
		config.HTTPPort = *port
	}
	if fs.Changed("metrics-port") {
		config.MetricsPort = *metricsPort
	}
	if fs.Changed("bind") {
		config.BindAddress = *bind
	}
	if fs.Changed("db") {
		config.DatabasePath = *dbPath
	}

	if *check {
		fmt.Printf("listen %s:%d, metrics port %d, audit log %q, remote default port %d, keepalive %v\n",
			config.BindAddress, config.HTTPPort, config.MetricsPort, config.DatabasePath,
			config.Link.DefaultPort, config.Link.KeepaliveInterval)
		return nil
	}

	if *debug {
		server.EnableDebugLogging(os.Stderr)
	}

	srv, err := server.NewServer(config)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Printf("ttbridge %s started", version)

	<-ctx.Done()
	log.Println("Received shutdown signal")
	return srv.Stop()
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `ttbridge %s

Relays browser WebSocket clients to TeamTalk servers.

Usage:
  ttbridge [options]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Environment:
  PORT                      Public WebSocket port
  TTBRIDGE_SECTION_KEY      Any config key, e.g. TTBRIDGE_REMOTE_DEFAULT_PORT=10333
`)
}
