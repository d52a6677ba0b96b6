package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var Logger *logrus.Logger

// InitLogger initializes the structured logger with proper configuration
func InitLogger(logLevel string, isDevelopment bool) *logrus.Logger {
	log := logrus.New()

	// Override with environment if not provided
	if logLevel == "" {
		logLevel = os.Getenv("LOG_LEVEL")
		if logLevel == "" {
			if isDevelopment {
				logLevel = "debug"
			} else {
				logLevel = "info"
			}
		}
	}

	if level, err := logrus.ParseLevel(strings.ToLower(logLevel)); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(logrus.InfoLevel)
		log.WithField("invalid_level", logLevel).Warn("Invalid LOG_LEVEL, using INFO")
	}

	if !isDevelopment || strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			ForceColors:     true,
		})
	}

	log.SetOutput(os.Stdout)

	Logger = log

	return log
}

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	if Logger == nil {
		return InitLogger("info", false)
	}
	return Logger
}

// WithService creates a logger with service context
func WithService(serviceName string) *logrus.Entry {
	return GetLogger().WithField("service", serviceName)
}

// WithComponent creates a logger scoped to a pipeline component
func WithComponent(component string) *logrus.Entry {
	return GetLogger().WithField("component", component)
}

// WithModelContext creates a logger with registry model context
func WithModelContext(modelID, statType string) *logrus.Entry {
	fields := logrus.Fields{}
	if modelID != "" {
		fields["model_id"] = modelID
	}
	if statType != "" {
		fields["stat_type"] = statType
	}
	return GetLogger().WithFields(fields)
}

// WithTrainingContext creates a logger with full training run context
func WithTrainingContext(runID, statType, modelType string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"run_id":     runID,
		"stat_type":  statType,
		"model_type": modelType,
	})
}
