package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harun/smartpm/internal/daemon"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the SmartPM daemon service",
	Long: `Start the SmartPM daemon service in the foreground.
The daemon serves the retrieval HTTP API and runs background enrichment
until it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Check if daemon is already running
	pidFile := getPIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	cmd.Printf("SmartPM listening on %s\n", d.Status().Addr)
	d.Wait()
	return nil
}

func getPIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, daemon.PIDFileName)
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPIDFile(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}
