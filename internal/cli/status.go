package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/smartpm/internal/config"
	"github.com/harun/smartpm/internal/daemon"
	"github.com/harun/smartpm/pkg/gateway"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the SmartPM daemon service and its index.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pidFile := getPIDFilePath(cfg.DataDir)

	if !isRunning(pidFile) {
		cmd.Println("Status: stopped")
		return nil
	}

	pid, err := daemon.ReadPIDFile(pidFile)
	if err != nil {
		return err
	}

	cmd.Printf("Status: running\n")
	cmd.Printf("PID: %d\n", pid)

	// Get PID file modification time for uptime calculation
	if fileInfo, err := os.Stat(pidFile); err == nil {
		cmd.Printf("Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	health, err := fetchHealth(cfg.Server)
	if err != nil {
		cmd.Printf("Health: unreachable (%v)\n", err)
		return nil
	}
	cmd.Printf("Health: %s\n", health.Status)
	cmd.Printf("Collections: %d\n", health.Collections)
	cmd.Printf("Chunks: %d\n", health.Chunks)

	return nil
}

// fetchHealth queries the running daemon's health endpoint
func fetchHealth(server config.ServerConfig) (*gateway.HealthResponse, error) {
	host := server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s:%d/health", host, server.Port))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health gateway.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("invalid health response: %w", err)
	}
	return &health, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
