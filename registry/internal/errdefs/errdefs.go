// Package errdefs defines the errors returned by the model registry.
//
// Errors are wrapped with context by the package that produces them; callers
// test for a class of failure with errors.Is.
package errdefs

import "errors"

var (
	// ErrMalformedKey is returned when a model key cannot be parsed.
	ErrMalformedKey = errors.New("malformed model key")

	// ErrModelNotFound is returned when a model is not registered.
	ErrModelNotFound = errors.New("model not found")

	// ErrModelFilesMissing is returned when a registered model's files are gone.
	// The descriptor is kept and marked with an error state.
	ErrModelFilesMissing = errors.New("model files missing")

	// ErrAlreadyExists is returned when adding a model whose key is taken.
	ErrAlreadyExists = errors.New("model already exists")

	// ErrDuplicateModelKey is returned when two artifacts on disk resolve to the same key.
	ErrDuplicateModelKey = errors.New("duplicate model key")

	// ErrConversionFailed is returned when a model could not be converted.
	ErrConversionFailed = errors.New("model conversion failed")

	// ErrPersistenceWriteFailed is returned when the registry file could not be written.
	ErrPersistenceWriteFailed = errors.New("persistence write failed")

	// ErrNoConfigPath is returned when flushing without a registry file configured.
	ErrNoConfigPath = errors.New("no registry file path configured")

	// ErrUnrecognized is returned by a probe that does not recognize a path.
	ErrUnrecognized = errors.New("model format not recognized")

	// ErrInvalidSubModel is returned when a sub-model is requested for a model
	// type that does not have sub-models.
	ErrInvalidSubModel = errors.New("invalid submodel")

	// ErrNotConvertible is returned when converting a model that is already in
	// its canonical format.
	ErrNotConvertible = errors.New("model is not convertible")

	// ErrInvalidAttributes is returned when model attributes fail validation.
	ErrInvalidAttributes = errors.New("invalid model attributes")
)
