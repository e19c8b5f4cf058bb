// ABOUTME: Entry point for coven-auth, the multi-factor authentication engine CLI
// ABOUTME: Dispatches subcommands for enrollment, login, link management and ceremony sweeping

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-auth/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                    _   _
  ___ _____   _____ _ __         __ _ _   _| |_| |__
 / __/ _ \ \ / / _ \ '_ \ _____ / _' | | | | __| '_ \
| (_| (_) \ V /  __/ | | |_____| (_| | |_| | |_| | | |
 \___\___/ \_/ \___|_| |_|      \__,_|\__,_|\__|_| |_|
`

func usage() {
	fmt.Println("Usage: coven-auth <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init                              Create a new config file interactively")
	fmt.Println("  migrate                           Create or upgrade the credential database")
	fmt.Println("  sweeper                           Delete expired ceremonies until interrupted")
	fmt.Println("  sweep                             Delete expired ceremonies once")
	fmt.Println("  policy                            Show the login policy")
	fmt.Println("  flows IDENTITY                    Show login flows available to an identity")
	fmt.Println("  login [IDENTITY]                  Run an interactive login and print a session token")
	fmt.Println("  password set|import|remove IDENTITY")
	fmt.Println("  totp enroll|confirm|remove IDENTITY [CODE]")
	fmt.Println("  passkey list|remove IDENTITY [KEY_ID]")
	fmt.Println("  link add TOKEN")
	fmt.Println("  link list|remove IDENTITY [SUBJECT]")
	fmt.Println("  audit IDENTITY [LIMIT]            Show recent authentication events")
	fmt.Println("  session verify TOKEN              Check a session token")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "init":
		err = runInit()
	case "migrate":
		err = withApp(ctx, runMigrate)
	case "sweeper":
		err = withApp(ctx, runSweeper)
	case "sweep":
		err = withApp(ctx, runSweep)
	case "policy":
		err = withApp(ctx, runPolicy)
	case "flows":
		err = withApp(ctx, func(ctx context.Context, a *app) error { return runFlows(ctx, a, args) })
	case "login":
		err = withApp(ctx, func(ctx context.Context, a *app) error { return runLogin(ctx, a, args) })
	case "password":
		err = withApp(ctx, func(ctx context.Context, a *app) error { return runPassword(ctx, a, args) })
	case "totp":
		err = withApp(ctx, func(ctx context.Context, a *app) error { return runTOTP(ctx, a, args) })
	case "passkey":
		err = withApp(ctx, func(ctx context.Context, a *app) error { return runPasskey(ctx, a, args) })
	case "link":
		err = withApp(ctx, func(ctx context.Context, a *app) error { return runLink(ctx, a, args) })
	case "audit":
		err = withApp(ctx, func(ctx context.Context, a *app) error { return runAudit(ctx, a, args) })
	case "session":
		err = withApp(ctx, func(ctx context.Context, a *app) error { return runSession(a, args) })
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp loads configuration, wires the engine, runs fn and releases resources.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printBanner() {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)
}
