// ABOUTME: Entry point for coven-appserver, the app conversation and event callback server
// ABOUTME: Subcommands serve the API, register Slack teams, mint tokens, and check health

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-appserver/internal/appserver"
	"github.com/2389/coven-appserver/internal/auth"
	"github.com/2389/coven-appserver/internal/config"
	"github.com/2389/coven-appserver/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        __ _ _ __  _ __  ___  ___ _ ____   _____ _ __
 / __/ _ \ \ / / _ \ '_ \ _____/ _' | '_ \| '_ \/ __|/ _ \ '__\ \ / / _ \ '__|
| (_| (_) \ V /  __/ | | |_____| (_| | |_) | |_) \__ \  __/ |   \ V /  __/ |
 \___\___/ \_/ \___|_| |_|      \__,_| .__/| .__/|___/\___|_|    \_/ \___|_|
                                     |_|   |_|
`

// defaultTokenTTL is the lifetime of tokens minted by the token command.
const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the appserver config file.
// Priority: COVEN_APPSERVER_CONFIG env var > XDG_CONFIG_HOME/coven/appserver.yaml > ~/.config/coven/appserver.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_APPSERVER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "appserver.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "appserver.yaml")
}

func usage() {
	fmt.Println("Usage: coven-appserver <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                       Start the appserver")
	fmt.Println("  slack-team --team-id ID --token TOKEN       Register a Slack bot token")
	fmt.Println("  token --user ID [--ttl 720h]                Mint an API bearer token")
	fmt.Println("  health                                      Check appserver health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "slack-team":
		err = runSlackTeam(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Specs:     %d\n", len(cfg.Sandbox.Specs))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! API auth disabled (no auth.jwt_secret)")
	}
	if cfg.Matrix.Enabled() {
		green.Print("    ▶ ")
		fmt.Printf("Matrix:    %s\n", cfg.Matrix.UserID)
	}

	fmt.Println()

	logger.Info("starting coven-appserver",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	srv, err := appserver.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating appserver: %w", err)
	}

	return srv.Run(ctx)
}

// parseFlags reads "--name value" and "--name=value" pairs for the allowed names.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}

	values := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		values[name] = value
	}
	return values, nil
}

// runSlackTeam stores the bot token used by slack_v1 callbacks for a team.
func runSlackTeam(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "team-id", "token", "name")
	if err != nil {
		return err
	}
	teamID := strings.TrimSpace(flags["team-id"])
	token := strings.TrimSpace(flags["token"])
	if teamID == "" {
		return fmt.Errorf("--team-id flag is required")
	}
	if token == "" {
		return fmt.Errorf("--token flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	team := &store.SlackTeam{TeamID: teamID, TeamName: flags["name"], BotToken: token}
	if err := s.SaveSlackTeam(ctx, team); err != nil {
		return err
	}

	color.New(color.FgGreen).Printf("  ✓ Registered Slack team %s\n", teamID)
	return nil
}

// runToken prints a bearer token for the API signed with auth.jwt_secret.
func runToken(args []string) error {
	flags, err := parseFlags(args, "user", "ttl")
	if err != nil {
		return err
	}
	userID := strings.TrimSpace(flags["user"])
	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}
	ttl := defaultTokenTTL
	if raw := flags["ttl"]; raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing --ttl: %w", err)
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	for _, path := range []string{"/health", "/health/ready"} {
		url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unhealthy: %s returned status %d", path, resp.StatusCode)
		}
	}

	fmt.Println("healthy")
	return nil
}
