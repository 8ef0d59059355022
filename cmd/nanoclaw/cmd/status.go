package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/opsapi"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("NanoClaw Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show host status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("NanoClaw Status")
		fmt.Printf("Version: %s\n", version)

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:  ✗ %v\n", err)
			return
		}
		fmt.Printf("Data:    %s\n", cfg.Data.Dir)

		if _, err := os.Stat(cfg.Data.DBPath()); err == nil {
			fmt.Println("Store:   ✓ Found (" + cfg.Data.DBPath() + ")")
		} else {
			fmt.Println("Store:   ✗ Not found (run 'nanoclaw serve' first)")
		}

		if cfg.Ops.HTTPSecret == "" {
			fmt.Println("Ops API: ✗ OS_HTTP_SECRET not set (API refuses all requests)")
		}
		health, err := probeOps(cfg)
		if err != nil {
			fmt.Printf("Host:    ✗ Not reachable (%v)\n", err)
			return
		}
		fmt.Printf("Host:    ✓ Running (up %ds)\n", health.UptimeSeconds)
	},
}

type opsHealth struct {
	Status        string `json:"status"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

func probeOps(cfg *config.Config) (*opsHealth, error) {
	url := fmt.Sprintf("http://%s:%d/ops/health", cfg.Ops.Host, cfg.Ops.Port)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(opsapi.HeaderOSSecret, cfg.Ops.HTTPSecret)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ops API returned %d", resp.StatusCode)
	}

	var health opsHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	return &health, nil
}
