package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var dataDir string

// quietLogger returns a logger for one-shot CLI commands where only
// warnings are worth interrupting the command's own output for.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// resolveDataDir returns the directory keygate uses for its SQLite database
// and PID file, creating it if needed. Priority: --data-dir flag,
// KEYGATE_DATA_DIR env var, then ~/.keygate.
func resolveDataDir() (string, error) {
	dir := dataDir
	if dir == "" {
		dir = os.Getenv("KEYGATE_DATA_DIR")
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		dir = filepath.Join(home, ".keygate")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating data directory %s: %w", dir, err)
	}
	return dir, nil
}

func pidFilePath() (string, error) {
	dir, err := resolveDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "keygate.pid"), nil
}

func writePIDFile() error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func removePIDFile() {
	if path, err := pidFilePath(); err == nil {
		os.Remove(path)
	}
}

// readPIDFile returns the PID from the PID file, or 0 if the file does not
// exist or is unreadable.
func readPIDFile() int {
	path, err := pidFilePath()
	if err != nil {
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
