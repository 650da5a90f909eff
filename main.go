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

	"github.com/peerline-io/peerline/internal/app"
	"github.com/peerline-io/peerline/internal/config"
	signalstore "github.com/peerline-io/peerline/internal/signal"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Peerline v%s\n", appVersion)
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

	switch args[0] {
	case "agent":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: agent command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: peerline agent <peer-directory>")
			os.Exit(1)
		}
		runAgent(args[1], nil)

	case "dial":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: dial command requires directory and recipient")
			fmt.Fprintln(os.Stderr, "Usage: peerline dial <peer-directory> <recipient> [conversation-id] [audio|video]")
			os.Exit(1)
		}
		req := &app.DialRequest{
			Recipient: args[2],
			CallType:  signalstore.CallVideo,
		}
		if len(args) >= 4 {
			req.ConversationID = args[3]
		}
		if len(args) >= 5 {
			req.CallType = signalstore.CallType(args[4])
			if !req.CallType.Valid() {
				fmt.Fprintf(os.Stderr, "Error: call type must be audio or video, got %q\n", args[4])
				os.Exit(1)
			}
		}
		runAgent(args[1], req)

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: peerline init <peer-directory>")
			os.Exit(1)
		}
		runInit(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runAgent(peerDirArg string, dial *app.DialRequest) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}

	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "peerline.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Dial:    dial,
	}); err != nil {
		log.Fatalf("Agent failed: %v", err)
	}
}

func runInit(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "peerline.json")
	_, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	if created {
		fmt.Printf("Created %s — fill in identity.uid before starting the agent.\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}
}

func showUsage() {
	fmt.Println("Peerline - peer-to-peer call agent")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  peerline init <directory>   Create a default config file")
	fmt.Println("  peerline agent <directory>  Run the call agent")
	fmt.Println("  peerline dial <directory> <recipient> [conversation-id] [audio|video]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init <directory>")
	fmt.Println("        Write a default peerline.json into the directory")
	fmt.Println()
	fmt.Println("  agent <directory>")
	fmt.Println("        Run the agent: answer the websocket bridge, watch for")
	fmt.Println("        incoming calls, keep the local call log")
	fmt.Println("        The directory must contain a peerline.json configuration file")
	fmt.Println()
	fmt.Println("  dial <directory> <recipient> [conversation-id] [audio|video]")
	fmt.Println("        Place one call and exit when it ends (default: video)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Set up and run an agent")
	fmt.Println("  peerline init ./peers/alice")
	fmt.Println("  peerline agent ./peers/alice")
	fmt.Println()
	fmt.Println("  # Call bob with audio only")
	fmt.Println("  peerline dial ./peers/alice bob chat-42 audio")
}

func printBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  Peerline Call Agent                   ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("User:           %s\n", cfg.Identity.UID)
	if cfg.Identity.DisplayName != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Identity.DisplayName)
	}
	fmt.Printf("Store:          %s\n", cfg.Store.Backend)
	if cfg.Bridge.HTTPAddr != "" {
		fmt.Printf("Bridge:         http://%s\n", cfg.Bridge.HTTPAddr)
	}
	fmt.Println()
}
