package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	userID   = flag.String("user", "", "User id for a newly created peer config (default: folder name)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
		fmt.Fprintf(os.Stderr, "Usage: goopcall %s <directory>\n", command)
		os.Exit(1)
	}

	switch command {
	case "peer":
		runCLI(args[1], app.Run)
	case "relay":
		runCLI(args[1], app.RunRelay)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runCLI(dirArg string, run func(context.Context, app.Options) error) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		fatalf("Directory does not exist: %s", absDir)
	}

	id := *userID
	if id == "" {
		id = strings.ReplaceAll(filepath.Base(absDir), " ", "-")
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath, id)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created %s\n", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		fatalf("goopcall failed: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func showUsage() {
	fmt.Println("goopcall - peer-to-peer voice and video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall [-user id] peer <directory>   Run a calling peer")
	fmt.Println("  goopcall relay <directory>             Run a signaling relay")
	fmt.Println()
	fmt.Println("The directory holds goopcall.json; a default one is created when missing.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -user     User id written into a new peer config")
	fmt.Println("  -version  Show version information")
}
