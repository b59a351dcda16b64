package model

import "errors"

var (
	// ErrCatalog reports a missing or malformed label catalog.
	ErrCatalog = errors.New("invalid label catalog")
	// ErrWeightsNotFound means none of the candidate weight files exist.
	ErrWeightsNotFound = errors.New("model weights not found")
	// ErrIncompatibleWeights means the weights do not fit the expected architecture or catalog.
	ErrIncompatibleWeights = errors.New("model weights incompatible")
	// ErrModelNotLoaded is returned when a prediction is requested before the classifier is ready.
	ErrModelNotLoaded = errors.New("model not loaded")
)
