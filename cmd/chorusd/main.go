package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/chorushall/chorus/cmd/config"
	"github.com/chorushall/chorus/internal/core"
	"github.com/chorushall/chorus/internal/driver/netdriver"
	"github.com/chorushall/chorus/internal/driver/nulldriver"
	"github.com/chorushall/chorus/internal/driver/wavdriver"
	"github.com/chorushall/chorus/internal/sink"
	"github.com/chorushall/chorus/internal/subscribe"
	"github.com/chorushall/chorus/pkg/sample"
)

// A stoppable is any driver instance the daemon tears down on exit.
type stoppable interface {
	Sink() *sink.Sink
}

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	flag.Parse()

	config.LoadConfig(*configFilePath)
	logFilePointer := config.ConfigureLogger()
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	c := core.New(viper.GetInt("blocksizemax"))

	c.Subscriptions().Subscribe(func(e subscribe.Event) {
		slog.Debug("server event",
			"facility", e.Facility,
			"type", e.Type,
			"index", e.Index,
		)
	})

	var drivers []stoppable
	var stops []func()

	var sinkDefs []map[string]any
	if err := viper.UnmarshalKey("sinks", &sinkDefs); err != nil {
		slog.Error("could not decode sink definitions", "err", err)
		panic(err)
	}

	for _, def := range sinkDefs {
		spec, err := specFromDef(def)
		if err != nil {
			slog.Error("invalid sink definition", "definition", def, "err", err)
			panic(err)
		}
		name, _ := def["name"].(string)
		driverName, _ := def["driver"].(string)

		switch driverName {
		case "null":
			d, err := nulldriver.New(c, name, spec)
			if err != nil {
				slog.Error("could not create null sink", "name", name, "err", err)
				panic(err)
			}
			drivers = append(drivers, d)
			stops = append(stops, d.Stop)

		case "wav":
			path, _ := def["path"].(string)
			d, err := wavdriver.New(c, name, path, spec)
			if err != nil {
				slog.Error("could not create wav sink", "name", name, "err", err)
				panic(err)
			}
			drivers = append(drivers, d)
			stops = append(stops, func() {
				if err := d.Stop(); err != nil {
					slog.Error("error while closing wav sink", "name", name, "err", err)
				}
			})

		case "webrtc":
			d, err := netdriver.New(c, name, spec, viper.GetStringSlice("ICEServers"))
			if err != nil {
				slog.Error("could not create network sink", "name", name, "err", err)
				panic(err)
			}
			drivers = append(drivers, d)
			stops = append(stops, func() {
				if err := d.Stop(); err != nil {
					slog.Error("error while closing network sink", "name", name, "err", err)
				}
			})

		default:
			slog.Error("unknown sink driver", "name", name, "driver", driverName)
			panic("unknown sink driver in config")
		}
	}

	for _, d := range drivers {
		s := d.Sink()
		slog.Info("sink ready",
			"name", s.Name(),
			"index", s.Index,
			"spec", s.Spec().String(),
			"monitor", s.Monitor().Name(),
		)
	}

	// --------------------------------------------------------------------------------

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("shutting down", "signal", sig.String())

	for _, stop := range stops {
		stop()
	}
	c.Free()
}

func specFromDef(def map[string]any) (sample.Spec, error) {
	formatName, _ := def["format"].(string)
	if formatName == "" {
		formatName = "s16le"
	}
	format, err := sample.ParseFormat(formatName)
	if err != nil {
		return sample.Spec{}, err
	}
	rate := intFromDef(def, "rate", 44100)
	channels := intFromDef(def, "channels", 2)
	return sample.Spec{Format: format, Rate: rate, Channels: channels}, nil
}

func intFromDef(def map[string]any, key string, fallback int) int {
	switch v := def[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}
