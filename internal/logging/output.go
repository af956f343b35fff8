package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/opendatalabs/databridge/internal/config"
	"github.com/opendatalabs/databridge/internal/util"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const mainLogName = "bridge.log"

// outputs tracks the writers owned by this package so reconfiguration and exit can close them.
type outputs struct {
	mu       sync.Mutex
	file     *lumberjack.Logger
	ginInfo  *io.PipeWriter
	ginError *io.PipeWriter
}

var (
	setupOnce sync.Once
	sinks     outputs
)

// SetupBaseLogger installs LogFormatter on the standard logger, routes gin output through
// logrus and registers CloseLogOutputs as an exit handler. Only the first call has an effect.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})

		sinks.mu.Lock()
		sinks.ginInfo = log.StandardLogger().Writer()
		sinks.ginError = log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DefaultWriter = sinks.ginInfo
		gin.DefaultErrorWriter = sinks.ginError
		sinks.mu.Unlock()

		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			Component("gin").Infof(strings.TrimRight(format, "\r\n"), values...)
		}
		log.RegisterExitHandler(CloseLogOutputs)
	})
}

// ResolveLogDirectory picks the logs directory: WRITABLE_PATH/logs when set, ./logs when it is
// writable, otherwise a logs folder next to the personal server config directory.
func ResolveLogDirectory(cfg *config.Config) string {
	if base := util.WritablePath(); base != "" {
		return filepath.Join(base, "logs")
	}
	if cfg == nil || writableDir("logs") {
		return "logs"
	}
	configDir, err := util.ResolvePath(cfg.Sidecar.ConfigDir)
	if err != nil || configDir == "" {
		log.WithError(err).Warnf("cannot place logs beside config dir %q", cfg.Sidecar.ConfigDir)
		return "logs"
	}
	return filepath.Join(filepath.Dir(configDir), "logs")
}

func writableDir(dir string) bool {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return false
	}
	probe, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return true
}

// ConfigureLogOutput sends logs to a rotating file under the logs directory when
// logging-to-file is set, and to stdout otherwise. A positive logs-max-total-size-mb starts the
// directory cleaner; the active file is never removed.
func ConfigureLogOutput(cfg *config.Config) error {
	SetupBaseLogger()
	if cfg == nil {
		return fmt.Errorf("logging: nil config")
	}

	sinks.mu.Lock()
	defer sinks.mu.Unlock()

	dir := ResolveLogDirectory(cfg)
	if sinks.file != nil {
		_ = sinks.file.Close()
		sinks.file = nil
	}

	active := ""
	if cfg.LoggingToFile {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.SetOutput(os.Stdout)
			return fmt.Errorf("logging: create log directory: %w", err)
		}
		active = filepath.Join(dir, mainLogName)
		sinks.file = &lumberjack.Logger{Filename: active, MaxSize: 10}
		log.SetOutput(sinks.file)
	} else {
		log.SetOutput(os.Stdout)
	}

	configureLogDirCleanerLocked(dir, cfg.LogsMaxTotalSizeMB, active)
	return nil
}

// CloseLogOutputs stops the directory cleaner and closes every writer this package opened.
func CloseLogOutputs() {
	sinks.mu.Lock()
	defer sinks.mu.Unlock()

	stopLogDirCleanerLocked()
	if sinks.file != nil {
		_ = sinks.file.Close()
		sinks.file = nil
	}
	if sinks.ginInfo != nil {
		_ = sinks.ginInfo.Close()
		sinks.ginInfo = nil
	}
	if sinks.ginError != nil {
		_ = sinks.ginError.Close()
		sinks.ginError = nil
	}
}
