package models

import (
	"fmt"
	"sort"

	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/errdefs"
)

// Format is the on-disk format of a model.
type Format string

const (
	// FormatCheckpoint is a single checkpoint or safetensors file.
	FormatCheckpoint Format = "checkpoint"
	// FormatDiffusers is a multi-file bundle directory.
	FormatDiffusers Format = "diffusers"
	// FormatLycoris is a single-file LoRA/LyCORIS.
	FormatLycoris Format = "lycoris"
	// FormatEmbeddingFile is a single-file textual inversion embedding.
	FormatEmbeddingFile Format = "embedding_file"
	// FormatEmbeddingFolder is a textual inversion embedding stored as a directory.
	FormatEmbeddingFolder Format = "embedding_folder"
)

// ErrorState records why a descriptor is unusable.
type ErrorState string

const (
	// ErrorNone means the descriptor is healthy.
	ErrorNone ErrorState = ""
	// ErrorNotFound means the backing files are missing.
	ErrorNotFound ErrorState = "not_found"
)

// Variant is the pipeline variant of a main model.
type Variant string

const (
	// VariantNormal is a regular text-to-image pipeline.
	VariantNormal Variant = "normal"
	// VariantInpaint is an inpainting pipeline.
	VariantInpaint Variant = "inpaint"
	// VariantDepth is a depth-to-image pipeline.
	VariantDepth Variant = "depth"
)

// PredictionType is the scheduler prediction type of a model.
type PredictionType string

const (
	// PredictionEpsilon predicts noise.
	PredictionEpsilon PredictionType = "epsilon"
	// PredictionV predicts velocity.
	PredictionV PredictionType = "v_prediction"
	// PredictionSample predicts the denoised sample.
	PredictionSample PredictionType = "sample"
)

// ParsePredictionType parses a prediction type token.
func ParsePredictionType(s string) (PredictionType, error) {
	switch p := PredictionType(s); p {
	case PredictionEpsilon, PredictionV, PredictionSample:
		return p, nil
	default:
		return "", fmt.Errorf("unknown prediction type: %q", s)
	}
}

// PredictionHelper chooses the prediction type of a checkpoint whose content
// does not tell it. It may block, for example on user input.
type PredictionHelper func(path string) (PredictionType, error)

// Config describes one registered model.
type Config struct {
	// Path is the location of the model, relative to the root directory unless absolute.
	Path   string `yaml:"path"`
	Format Format `yaml:"format"`

	Description string  `yaml:"description,omitempty"`
	Variant     Variant `yaml:"variant,omitempty"`
	// CheckpointConfig is the original configuration file of a checkpoint.
	CheckpointConfig string         `yaml:"config,omitempty"`
	PredictionType   PredictionType `yaml:"prediction_type,omitempty"`

	// SubModels overrides the location of individual sub-models.
	SubModels map[modelkind.SubModel]string `yaml:"submodels,omitempty"`

	// Error is set in memory only.
	Error ErrorState `yaml:"-"`
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	n := *c
	if c.SubModels != nil {
		n.SubModels = make(map[modelkind.SubModel]string, len(c.SubModels))
		for k, v := range c.SubModels {
			n.SubModels[k] = v
		}
	}
	return &n
}

// SubModelPath returns the override path of a sub-model, if any.
func (c *Config) SubModelPath(sub modelkind.SubModel) (string, bool) {
	p, ok := c.SubModels[sub]
	if !ok || p == "" {
		return "", false
	}
	return p, true
}

// Attributes returns the config as a plain attribute map. Unset fields are omitted.
func (c *Config) Attributes() Attributes {
	a := Attributes{
		"path":         c.Path,
		"model_format": string(c.Format),
	}
	if c.Description != "" {
		a["description"] = c.Description
	}
	if c.Variant != "" {
		a["variant"] = string(c.Variant)
	}
	if c.CheckpointConfig != "" {
		a["config"] = c.CheckpointConfig
	}
	if c.PredictionType != "" {
		a["prediction_type"] = string(c.PredictionType)
	}
	if len(c.SubModels) > 0 {
		subs := map[string]string{}
		for k, v := range c.SubModels {
			subs[string(k)] = v
		}
		a["submodels"] = subs
	}
	if c.Error != ErrorNone {
		a["error"] = string(c.Error)
	}
	return a
}

// Attributes is a free-form attribute map used to create a Config.
type Attributes map[string]any

// Keys returns the sorted attribute names.
func (a Attributes) Keys() []string {
	var ks []string
	for k := range a {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

func (a Attributes) string(name string) (string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string, got %T", errdefs.ErrInvalidAttributes, name, v)
	}
	return s, nil
}

func (a Attributes) subModels() (map[modelkind.SubModel]string, error) {
	v, ok := a["submodels"]
	if !ok || v == nil {
		return nil, nil
	}
	subs := map[modelkind.SubModel]string{}
	add := func(k string, p any) error {
		sm, err := modelkind.ParseSubModel(k)
		if err != nil {
			return fmt.Errorf("%w: %s", errdefs.ErrInvalidAttributes, err)
		}
		s, ok := p.(string)
		if !ok {
			return fmt.Errorf("%w: submodel %q path must be a string, got %T", errdefs.ErrInvalidAttributes, k, p)
		}
		subs[sm] = s
		return nil
	}
	switch m := v.(type) {
	case map[string]string:
		for k, p := range m {
			if err := add(k, p); err != nil {
				return nil, err
			}
		}
	case map[string]any:
		for k, p := range m {
			if err := add(k, p); err != nil {
				return nil, err
			}
		}
	case map[modelkind.SubModel]string:
		for k, p := range m {
			subs[k] = p
		}
	default:
		return nil, fmt.Errorf("%w: submodels must be a map, got %T", errdefs.ErrInvalidAttributes, v)
	}
	return subs, nil
}
