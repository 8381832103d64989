package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"mission-queue-monitor/internal/auth"
	"mission-queue-monitor/internal/cache"
	"mission-queue-monitor/internal/client"
	"mission-queue-monitor/internal/config"
	"mission-queue-monitor/internal/models"
	"mission-queue-monitor/internal/monitor"
	"mission-queue-monitor/internal/push"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "./monitor.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	log.Printf("[INIT] Monitoring queue at %s", cfg.ServerURL)

	// Open snapshot cache
	store, err := cache.Open(cfg.CachePath)
	if err != nil {
		log.Fatal("Failed to open cache: ", err)
	}
	defer store.Close()

	if err := store.InitSchema(); err != nil {
		log.Fatal("Failed to initialize cache: ", err)
	}

	// Show last-known state while the first fetch is in flight
	if items, fetchedAt, err := store.LoadSnapshot(); err == nil && len(items) > 0 {
		log.Printf("[CACHE] Last-known snapshot: %d items, fetched %s", len(items), fetchedAt.Format("2006-01-02 15:04:05"))
	}

	tokens := auth.StaticToken(cfg.Token)

	var gate auth.Gate = auth.ElevatedGate{}
	if !cfg.Elevated {
		gate = auth.CredentialGate{Verify: confirmOnTerminal}
	}

	queueClient := client.New(cfg.ServerURL, tokens)
	pushManager := push.New(hubURL(cfg), tokens, push.Options{MaxAttempts: cfg.ReconnectAttempts})
	controller := monitor.New(queueClient, pushManager, gate, cfg.PollInterval)

	controller.OnSnapshot = func(snap monitor.Snapshot, stats models.QueueStatistics) {
		if err := store.SaveSnapshot(snap.Items, snap.FetchedAt); err != nil {
			log.Printf("[ERROR] Failed to cache snapshot: %v", err)
		}
		if err := store.SaveStatistics(stats); err != nil {
			log.Printf("[ERROR] Failed to cache statistics: %v", err)
		}
		log.Printf("[REFRESH] %d items (queued=%d processing=%d failed=%d) success=%.1f%%",
			len(snap.Items), stats.TotalQueued, stats.TotalProcessing, stats.TotalFailed, stats.SuccessRate)
	}
	controller.OnNotice = func(msg string) {
		log.Printf("[NOTICE] %s", msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pushManager.Start(ctx)
	log.Printf("[INIT] Push channel starting at %s", hubURL(cfg))

	if err := controller.Refresh(ctx); err != nil {
		log.Printf("[ERROR] Initial refresh failed: %v", err)
	}

	go controller.Run(ctx)

	<-ctx.Done()
	pushManager.Stop()
	log.Println("[INIT] Shutting down")
}

// hubURL derives the websocket endpoint from the HTTP base URL.
func hubURL(cfg config.Config) string {
	base := cfg.ServerURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimRight(base, "/") + cfg.HubPath
}

// confirmOnTerminal asks for an explicit yes before a destructive operation
// when the configured user is not elevated.
func confirmOnTerminal(ctx context.Context, action auth.Action) (bool, error) {
	fmt.Printf("Admin confirmation required for %s on %s. Proceed? [y/N] ", action.Name, action.ItemID)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
