// ABOUTME: Entry point for the coven-delivery event delivery server
// ABOUTME: Provides serve, health, stats and token subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-delivery/internal/auth"
	"github.com/2389/coven-delivery/internal/config"
	"github.com/2389/coven-delivery/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                  _      _ _
  ___ _____   _____ _ __       __| | ___| (_)_   _____ _ __ _   _
 / __/ _ \ \ / / _ \ '_ \ ___ / _' |/ _ \ | \ \ / / _ \ '__| | | |
| (_| (_) \ V /  __/ | | |___| (_| |  __/ | |\ V /  __/ |  | |_| |
 \___\___/ \_/ \___|_| |_|    \__,_|\___|_|_| \_/ \___|_|   \__, |
                                                            |___/
`

// getConfigPath returns the path to the delivery config file.
// Priority: COVEN_DELIVERY_CONFIG env var > XDG_CONFIG_HOME/coven/delivery.yaml > ~/.config/coven/delivery.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_DELIVERY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "delivery.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "delivery.yaml")
}

// loadConfig reads the config file, falling back to defaults when it does not exist.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("loading config: %w", err)
	}

	cfg = config.Default()
	if err := cfg.Finalize(); err != nil {
		return nil, false, fmt.Errorf("default config: %w", err)
	}
	return cfg, false, nil
}

func usage() {
	fmt.Println("Usage: coven-delivery <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Start the delivery server")
	fmt.Println("  health                              Check server health (HTTP and gRPC)")
	fmt.Println("  stats                               Show delivery error statistics")
	fmt.Println("  token --user ID [--ttl 24h] [--role R]  Mint a token signed with the configured secret")
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
	case "health":
		err = runHealth(ctx)
	case "stats":
		err = runStats(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
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

	cfg, found, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s", configPath)
	if !found {
		yellow.Print(" (not found, using defaults)")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Recovery:  ")
	if !cfg.Delivery.ErrorRecoveryEnabled {
		yellow.Println("disabled")
	} else {
		fmt.Printf("%d events per user\n", cfg.Delivery.RecoveryQueueSize)
	}
	if !cfg.Auth.Enabled() {
		yellow.Print("    ! ")
		fmt.Println("Auth:      disabled (no jwt_secret)")
	}
	fmt.Println()

	logger.Info("starting coven-delivery",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := httpGet(ctx, fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr), "")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Printf("http: %s\n", strings.TrimSpace(body))

	if cfg.Server.GRPCAddr == "" {
		return nil
	}

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("creating grpc client: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: gateway.HealthService})
	if err != nil {
		return fmt.Errorf("grpc health check failed: %w", err)
	}
	fmt.Printf("grpc: %s\n", resp.GetStatus())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: %s", resp.GetStatus())
	}
	return nil
}

// runStats prints /api/stats/errors. A token is read from --token or COVEN_DELIVERY_TOKEN.
func runStats(ctx context.Context, args []string) error {
	token := os.Getenv("COVEN_DELIVERY_TOKEN")
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "--token":
			if i+1 >= len(args) {
				return fmt.Errorf("--token requires a value")
			}
			token = args[i+1]
			i++
		case strings.HasPrefix(arg, "--token="):
			token = strings.TrimPrefix(arg, "--token=")
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	body, err := httpGet(ctx, fmt.Sprintf("http://%s/api/stats/errors", cfg.Server.HTTPAddr), token)
	if err != nil {
		return fmt.Errorf("stats request failed: %w", err)
	}
	fmt.Print(body)
	return nil
}

// runToken mints a token for a user. Supports "--flag value" and "--flag=value".
func runToken(args []string) error {
	var userID string
	var roles []string
	ttl := 24 * time.Hour

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, inline := strings.Cut(arg, "=")
		if !inline {
			if !strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unexpected argument: %s", arg)
			}
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", arg)
			}
			value = args[i+1]
			i++
		}

		switch name {
		case "--user", "-u":
			userID = value
		case "--ttl":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid --ttl %q", value)
			}
			ttl = d
		case "--role":
			roles = append(roles, value)
		default:
			return fmt.Errorf("unknown flag: %s", name)
		}
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}
	for _, role := range roles {
		if role != auth.RoleAdmin && role != auth.RoleProducer {
			return fmt.Errorf("unknown role %q (want %s or %s)", role, auth.RoleAdmin, auth.RoleProducer)
		}
	}

	configPath := getConfigPath()
	cfg, found, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !found || !cfg.Auth.Enabled() {
		return fmt.Errorf("jwt_secret not configured in %s (required for tokens)", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(userID, ttl, roles...)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func httpGet(ctx context.Context, url, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

func setupLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(newColorHandler(out, level))
}
