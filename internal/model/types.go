package model

import ort "github.com/yalue/onnxruntime_go"

// ModelInfo describes the loaded network as discovered from the weights file.
type ModelInfo struct {
	WeightsPath string    `json:"weights_path"`
	InputName   string    `json:"input_name"`
	OutputName  string    `json:"output_name"`
	InputShape  ort.Shape `json:"input_shape"`
	OutputShape ort.Shape `json:"output_shape"`
	NumClasses  int       `json:"num_classes"`
	Device      string    `json:"device"`
}

// Prediction is one (label, confidence) pair of the top-k list.
type Prediction struct {
	Disease    string  `json:"disease"`
	Confidence float64 `json:"confidence"`
}

// Result is the outcome of classifying one image.
type Result struct {
	Prediction     string       `json:"prediction"`
	Confidence     float64      `json:"confidence"`
	TopPredictions []Prediction `json:"top_predictions,omitempty"`
}
