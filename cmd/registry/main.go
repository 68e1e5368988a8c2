// registry is the peerlink signaling registry: an HTTP CRUD service over
// a persistent key/value map of peer reflexive addresses. Peers publish
// their own address here and discover each other's; the registry is never
// on the data path.
//
// Usage:
//
//	registry -addr :8080 -redis 127.0.0.1:6379
//	registry -addr :8080 -redis 127.0.0.1:6379 -admin-token-prompt
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/coriolis-labs/peerlink/pkg/logging"
	"github.com/coriolis-labs/peerlink/pkg/registry"
	"github.com/coriolis-labs/peerlink/pkg/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	addr := flag.String("addr", ":8080", "API listen address")
	redisAddr := flag.String("redis", "127.0.0.1:6379", "Redis/Dragonfly address")
	rateLimitRPS := flag.Float64("rate-limit-rps", 100, "Rate limit: requests per second per source IP (0 to disable)")
	rateLimitBurst := flag.Int("rate-limit-burst", 200, "Rate limit: burst size per source IP")
	adminToken := flag.String("admin-token", "", "Bearer token required for write endpoints (empty leaves them open)")
	adminTokenPrompt := flag.Bool("admin-token-prompt", false, "Prompt for the admin token on the terminal instead of passing it as a flag")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("peerlink-registry " + version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The registry has no spans or meters of its own; only logs are
	// exported.
	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Service: "peerlink-registry",
		Version: version,
		Logs:    true,
	})
	defer tel.Shutdown(context.Background())
	if err != nil {
		log.Printf("registry: telemetry degraded, continuing: %v", err)
	}
	logging.Configure(*logLevel, tel.LogHandlers()...)

	token := *adminToken
	if *adminTokenPrompt {
		token, err = readSecret("Admin token: ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read admin token: %v\n", err)
			os.Exit(1)
		}
	}

	store, err := registry.NewStore(*redisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var throttle *registry.Throttle
	if *rateLimitRPS > 0 {
		throttle = registry.NewThrottle(*rateLimitRPS, *rateLimitBurst)
	}
	api := registry.NewAPI(store, throttle, token)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("registry: listening on %s (redis=%s, auth=%v)", *addr, *redisAddr, token != "")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("registry: received signal %v, shutting down", sig)
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("registry: shutdown: %v", err)
	}
}

// readSecret reads a line from the terminal without echoing it.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
