// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/petervdpas/sigrelay/internal/config"
	"github.com/petervdpas/sigrelay/internal/relay"
	sigstate "github.com/petervdpas/sigrelay/internal/signal"
	"github.com/petervdpas/sigrelay/internal/util"
	"github.com/petervdpas/sigrelay/internal/wsrelay"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgFlag  = flag.String("config", "sigrelay.json", "Path to the config file")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("sigrelay v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	cfgPath, err := filepath.Abs(*cfgFlag)
	if err != nil {
		log.Fatalf("Invalid config path: %v", err)
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("MAIN: wrote default config to %s", cfgPath)
	}

	// TLS paths in the config are relative to the config file's directory.
	cfgDir := filepath.Dir(cfgPath)
	if cfg.Server.TLSCert != "" {
		cfg.Server.TLSCert = util.ResolvePath(cfgDir, cfg.Server.TLSCert)
		cfg.Server.TLSKey = util.ResolvePath(cfgDir, cfg.Server.TLSKey)
	}

	printBanner(cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	state := sigstate.New(sigstate.Options{
		Mode:    sigstate.Mode(cfg.Server.Mode),
		Timeout: time.Duration(cfg.Server.SessionTimeoutMs) * time.Millisecond,
	})

	switch cfg.Server.Transport {
	case config.TransportWebsocket:
		srv := wsrelay.New(wsrelay.Options{
			Addr:    cfg.Server.Addr,
			TLSCert: cfg.Server.TLSCert,
			TLSKey:  cfg.Server.TLSKey,
		}, state)
		if err := srv.Start(ctx); err != nil {
			return err
		}

	default:
		srv := relay.New(relay.Options{
			Addr:    cfg.Server.Addr,
			TLSCert: cfg.Server.TLSCert,
			TLSKey:  cfg.Server.TLSKey,
		}, state)
		if err := srv.Start(ctx); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return nil
}

func showUsage() {
	fmt.Println("sigrelay - WebRTC signaling relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  sigrelay [-config path]    Run the relay server")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config   Path to the JSON config file (created with defaults if missing)")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run with the default config next to the binary")
	fmt.Println("  sigrelay")
	fmt.Println()
	fmt.Println("  # Run a public websocket relay")
	fmt.Println("  sigrelay -config ./relays/public.json")
}

func printBanner(cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    sigrelay server                     ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Config File:  %s\n", cfgPath)
	fmt.Printf("Listen Addr:  %s\n", cfg.Server.Addr)
	fmt.Printf("Mode:         %s\n", cfg.Server.Mode)
	fmt.Printf("Transport:    %s\n", cfg.Server.Transport)
	fmt.Printf("Timeout:      %d ms\n", cfg.Server.SessionTimeoutMs)
	if cfg.Server.TLSCert != "" {
		fmt.Println("TLS:          enabled")
	}
	fmt.Println()
	fmt.Println("Starting relay... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
