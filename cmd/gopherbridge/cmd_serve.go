package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/gopherbridge/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gopherbridge daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

const pidFile = "gopherbridge.pid"

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFile)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Printf("Config:   %s\n", cfgPath)
	green.Print("▶ ")
	fmt.Printf("Data dir: %s\n", cfg.DataDir)
	if cfg.API.Addr != "" {
		green.Print("▶ ")
		fmt.Printf("API:      %s\n", cfg.API.Addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return err
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// SIGHUP re-executes the binary once the daemon has shut down.
	restart := make(chan os.Signal, 1)
	signal.Notify(restart, syscall.SIGHUP)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var restarting atomic.Bool
	go func() {
		select {
		case <-restart:
			slog.Info("received SIGHUP, restarting")
			restarting.Store(true)
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := d.Run(runCtx); err != nil {
		return err
	}
	if !restarting.Load() {
		return nil
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	os.Remove(pidPath)
	return syscall.Exec(execPath, os.Args, os.Environ())
}
