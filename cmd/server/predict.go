package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Brownie44l1/plantdx-api/internal/logging"
	"github.com/Brownie44l1/plantdx-api/internal/model"
	"github.com/Brownie44l1/plantdx-api/internal/preprocess"
)

type cliResult struct {
	Prediction     string             `json:"prediction"`
	Confidence     float64            `json:"confidence"`
	TopPredictions []model.Prediction `json:"top_predictions,omitempty"`
}

type cliError struct {
	Error string `json:"error"`
}

// runPredict classifies one file and prints a single JSON line to stdout. Every failure is
// printed as {"error": ...} and turns into a non-zero exit.
func runPredict(a *app, path string, top bool) error {
	if _, err := os.Stat(path); err != nil {
		return reportCLIError(a.stdout, fmt.Sprintf("Image file not found: %s", path))
	}

	opts, err := a.loadOptions()
	if err != nil {
		return reportCLIError(a.stdout, err.Error())
	}

	classifier, err := model.Load(opts, a.logger)
	if err != nil {
		a.logger.Debug("model load failed", logging.ErrorFields(err)...)
		return reportCLIError(a.stdout, loadErrorMessage(err, opts))
	}
	defer func() {
		_ = classifier.Close()
		_ = model.DestroyRuntime()
	}()

	return predictFile(a.stdout, classifier, path, top)
}

func predictFile(w io.Writer, classifier *model.Classifier, path string, top bool) error {
	result, err := classifier.ClassifyFile(path)
	if err != nil {
		msg := "Prediction failed: " + err.Error()
		if errors.Is(err, preprocess.ErrDecode) {
			msg = "Prediction failed: " + preprocess.ErrDecode.Error() + " " + path
		}
		return reportCLIError(w, msg)
	}

	out := cliResult{Prediction: result.Prediction, Confidence: result.Confidence}
	if top {
		out.TopPredictions = result.TopPredictions
	}
	return writeJSONLine(w, out)
}

func loadErrorMessage(err error, opts model.LoadOptions) string {
	switch {
	case errors.Is(err, model.ErrCatalog) && errors.Is(err, os.ErrNotExist):
		return fmt.Sprintf("%s file not found", opts.Labels)
	case errors.Is(err, model.ErrCatalog):
		return fmt.Sprintf("Invalid %s: %v", opts.Labels, err)
	case errors.Is(err, model.ErrWeightsNotFound):
		return fmt.Sprintf("Model file not found. Expected '%s'", strings.Join(opts.Weights, "' or '"))
	default:
		return fmt.Sprintf("Failed to load model: %v", err)
	}
}

func reportCLIError(w io.Writer, msg string) error {
	if err := writeJSONLine(w, cliError{Error: msg}); err != nil {
		return err
	}
	return errReported
}

func writeJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
