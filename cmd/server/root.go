package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Brownie44l1/plantdx-api/internal/config"
	"github.com/Brownie44l1/plantdx-api/internal/device"
	"github.com/Brownie44l1/plantdx-api/internal/logging"
	"github.com/Brownie44l1/plantdx-api/internal/model"
)

// errReported marks failures that were already written to the user.
var errReported = errors.New("error already reported")

// app carries what every subcommand needs once flags and configuration are resolved.
type app struct {
	v          *viper.Viper
	configFile string
	settings   *config.Settings
	logger     *zap.Logger
	stdout     io.Writer
	stderr     io.Writer
}

func (a *app) loadOptions() (model.LoadOptions, error) {
	kind, err := device.Parse(a.settings.Model.Device)
	if err != nil {
		return model.LoadOptions{}, err
	}
	return model.LoadOptions{
		Dir:         a.settings.Model.Dir,
		Labels:      a.settings.Model.Labels,
		Weights:     a.settings.Model.Weights,
		Device:      kind,
		Threads:     a.settings.Model.Threads,
		LibraryPath: a.settings.Model.ORTLibrary,
	}, nil
}

func newRootCmd() *cobra.Command {
	return newRootCmdWithIO(os.Stdout, os.Stderr)
}

func newRootCmdWithIO(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: config.New(), stdout: stdout, stderr: stderr}
	var top bool

	var rootCmd *cobra.Command
	rootCmd = &cobra.Command{
		Use:   "server [image]",
		Short: "Plant disease classification API",
		Long: "Serves plant disease predictions over HTTP. Given an image path, classifies it once\n" +
			"and prints the result as JSON instead of starting the server.",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Classifying a file reports every failure as JSON on stdout, setup included.
			classifying := cmd.Name() == "predict" || (cmd == rootCmd && len(args) == 1)
			return a.setup(classifying)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runPredict(a, args[0], top)
			}
			return runServe(a)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "Path to a config file (default: config.yaml in ., ./config or /etc/plantdx)")
	flags.String("host", "", "Address to listen on")
	flags.Int("port", 0, "Port to listen on (env PORT)")
	flags.String("model-dir", "", "Directory holding the label catalog and weights")
	flags.String("labels", "", "Label catalog file name inside the model directory")
	flags.StringSlice("weights", nil, "Candidate weight file names, tried in order")
	flags.String("device", "", "Inference device: auto, cpu or cuda")
	flags.Int("threads", 0, "Intra-op threads, 0 picks from the CPU topology")
	flags.String("ort-library", "", "Path to the onnxruntime shared library")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: json or console")
	rootCmd.Flags().BoolVar(&top, "top", false, "Include the top-3 predictions when classifying a file")

	for key, name := range map[string]string{
		"server.host":      "host",
		"server.port":      "port",
		"model.dir":        "model-dir",
		"model.labels":     "labels",
		"model.weights":    "weights",
		"model.device":     "device",
		"model.threads":    "threads",
		"model.ortlibrary": "ort-library",
		"log.level":        "log-level",
		"log.format":       "log-format",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}

	rootCmd.AddCommand(newServeCmd(a), newPredictCmd(a))
	return rootCmd
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(a)
		},
	}
}

func newPredictCmd(a *app) *cobra.Command {
	var top bool
	cmd := &cobra.Command{
		Use:   "predict [image]",
		Short: "Classify one image file and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPredict(a, args[0], top)
		},
	}
	cmd.Flags().BoolVar(&top, "top", false, "Include the top-3 predictions")
	return cmd
}

// setup loads configuration and builds the logger. Unset flags do not override config values.
func (a *app) setup(classifying bool) error {
	settings, err := config.Load(a.v, a.configFile)
	if err != nil {
		return a.reportSetupError(classifying, fmt.Sprintf("Invalid configuration: %v", err))
	}
	a.settings = settings

	logger, err := logging.NewLogger(settings.Log.Level, settings.Log.Format)
	if err != nil {
		return a.reportSetupError(classifying, fmt.Sprintf("Invalid logging configuration: %v", err))
	}
	a.logger = logger
	return nil
}

func (a *app) reportSetupError(classifying bool, msg string) error {
	if classifying {
		return reportCLIError(a.stdout, msg)
	}
	fmt.Fprintln(a.stderr, msg)
	return errReported
}
