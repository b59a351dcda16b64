// Package config loads service settings from defaults, an optional config file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PLANTDX_MODEL_DEVICE.
const EnvPrefix = "PLANTDX"

// Settings is the full service configuration.
type Settings struct {
	Server  ServerSettings
	Model   ModelSettings
	Log     LogSettings
	Metrics MetricsSettings
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64
}

// ModelSettings locates the label catalog and the weights and selects the device.
type ModelSettings struct {
	Dir        string
	Labels     string
	Weights    []string // tried in order, first existing file wins
	Device     string   // auto, cpu or cuda
	Threads    int      // 0 picks a value from the CPU topology
	ORTLibrary string   // path to the onnxruntime shared library, empty uses the default
}

type LogSettings struct {
	Level  string
	Format string
}

type MetricsSettings struct {
	Enabled bool
}

// Addr returns the host:port the server listens on.
func (s ServerSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// New returns a viper instance with defaults and environment bindings applied.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PORT is the conventional override used by container platforms.
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")

	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.shutdowntimeout", 15*time.Second)
	v.SetDefault("server.maxuploadbytes", int64(10<<20))

	v.SetDefault("model.dir", "model")
	v.SetDefault("model.labels", "classes.json")
	v.SetDefault("model.weights", []string{"Model_sk.onnx", "model_sk.onnx"})
	v.SetDefault("model.device", "auto")
	v.SetDefault("model.threads", 0)
	v.SetDefault("model.ortlibrary", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.enabled", true)
}

// Load reads configFile (or searches the default locations when empty) and returns validated settings.
// A missing config file is not an error; defaults and environment apply.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, path := range []string{".", "./config", "/etc/plantdx"} {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate rejects settings the service cannot start with.
func (s *Settings) Validate() error {
	var errs []error

	if s.Server.Port < 1 || s.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", s.Server.Port))
	}
	if s.Server.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.maxuploadbytes must be positive, got %d", s.Server.MaxUploadBytes))
	}
	if s.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdowntimeout must not be negative"))
	}

	switch strings.ToLower(s.Model.Device) {
	case "auto", "cpu", "cuda":
		s.Model.Device = strings.ToLower(s.Model.Device)
	default:
		errs = append(errs, fmt.Errorf("model.device must be auto, cpu or cuda, got %q", s.Model.Device))
	}
	if s.Model.Threads < 0 {
		errs = append(errs, fmt.Errorf("model.threads must not be negative, got %d", s.Model.Threads))
	}
	if s.Model.Labels == "" {
		errs = append(errs, errors.New("model.labels must be set"))
	}
	if len(s.Model.Weights) == 0 {
		errs = append(errs, errors.New("model.weights must list at least one file name"))
	}

	return errors.Join(errs...)
}
