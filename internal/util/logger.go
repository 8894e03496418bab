// Package util holds process-level helpers: logging setup, host statistics
// and TLS material for the operations API.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/worldgate/internal/config"
)

const logPrefix = "worldgate_"

// InitLogger points the global zerolog logger at a dated JSON file in
// cfg.Directory and, when console is set, a human-readable stdout writer.
func InitLogger(cfg config.LoggingConfig, console bool) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
	}

	logFilePath := nextLogFile(cfg.Directory, time.Now(), int64(cfg.MaxSizeMB)*1024*1024)
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
	}

	writers := []io.Writer{logFile}
	if console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", "worldgate").
		Caller().
		Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFilePath).
		Msg("logger initialized")

	go cleanOldLogs(cfg.Directory, cfg.MaxBackups)
	return nil
}

// nextLogFile returns today's log file, moving to a numbered sibling once
// the current one reaches maxSize bytes.
func nextLogFile(dir string, now time.Time, maxSize int64) string {
	base := logPrefix + now.Format("2006-01-02")
	path := filepath.Join(dir, base+".log")
	if maxSize <= 0 {
		return path
	}
	for i := 1; ; i++ {
		st, err := os.Stat(path)
		if err != nil || st.Size() < maxSize {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s.%d.log", base, i))
	}
}

// cleanOldLogs keeps the newest maxBackups log files.
func cleanOldLogs(directory string, maxBackups int) {
	if maxBackups <= 0 {
		return
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		return
	}

	type logFile struct {
		path    string
		modTime time.Time
	}
	var files []logFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, logPrefix) || filepath.Ext(name) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(directory, name), modTime: info.ModTime()})
	}
	if len(files) <= maxBackups {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files[:len(files)-maxBackups] {
		if err := os.Remove(f.path); err == nil {
			log.Debug().Str("file", f.path).Msg("removed old log file")
		}
	}
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
