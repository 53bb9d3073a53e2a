package config

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/viper"
)

func setViperDefaults() {
	// Logging values
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")

	// Server values
	viper.SetDefault("blocksizemax", 65536)

	// Sink definitions: a list of maps, each with a name, a driver and
	// the driver's own keys. Without any, a single null sink comes up so
	// the daemon is usable out of the box.
	viper.SetDefault("sinks", []map[string]any{
		{
			"name":     "null",
			"driver":   "null",
			"format":   "s16le",
			"rate":     44100,
			"channels": 2,
		},
	})
}

// LoadConfig reads the config file into viper, falling back to defaults
// when there is none.
func LoadConfig(configFilePath string) {
	setViperDefaults()

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Info("no config file found", "configFilePath", configFilePath)
		} else if os.IsNotExist(err) {
			slog.Info("no config file found", "configFilePath", configFilePath)
		} else {
			slog.Error("error during config read", "err", err)
			panic(err)
		}
	}
}

// Configure the slog logger using config values in viper.
// This method should only be called after LoadConfig.
//
// Returns the os.File pointer that slog writes to, so it may be gracefully shut:
// ```
// logFilePointer := config.ConfigureLogger()
//
//	if logFilePointer != nil{
//		defer logFilePointer.Close()
//	}
//
// ```
func ConfigureLogger() *os.File {
	logLevel := viper.GetString("loglevel")
	slogHandlerOptions := slog.HandlerOptions{}

	// --------------------------------------------------------------------------------

	switch logLevel {
	case "none":
		// No logging is required, disable the logger and return
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return nil
	case "error":
		slogHandlerOptions.Level = slog.LevelError
	case "warn":
		slogHandlerOptions.Level = slog.LevelWarn
	case "info":
		slogHandlerOptions.Level = slog.LevelInfo
	case "debug":
		slogHandlerOptions.Level = slog.LevelDebug
	default:
		slog.Error("error when decoding unexpected log level in ConfigureLogger", "loglevel", logLevel)
		panic("unexpected log level encountered in config")
	}

	// --------------------------------------------------------------------------------

	logFile := viper.GetString("logfile")
	var logFilePointer *os.File
	var slogHandler slog.Handler
	if logFile == "" {
		slogHandler = slog.NewTextHandler(os.Stdout, &slogHandlerOptions)
	} else {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			slog.Error("error while creating log file", "logfile", logFile, "err", err)
			panic(err)
		}
		logFilePointer = f
		slogHandler = slog.NewJSONHandler(f, &slogHandlerOptions)
	}

	slog.SetDefault(slog.New(slogHandler))
	return logFilePointer
}
