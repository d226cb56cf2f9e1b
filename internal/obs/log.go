package obs

import (
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New()
		logger.SetOutput(os.Stdout)
		logger.SetFormatter(&log.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
			FieldMap: log.FieldMap{
				log.FieldKeyTime: "ts",
			},
		})
		logger.SetLevel(log.InfoLevel)
	})
	return logger
}

// SetLevel parses level ("debug", "info", ...) and applies it to Logger.
// An empty level keeps the current one.
func SetLevel(level string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		return nil
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger().SetLevel(parsed)
	return nil
}

// LogRequest emits a structured log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	Logger().WithFields(log.Fields(entry)).Info("http request")
}
