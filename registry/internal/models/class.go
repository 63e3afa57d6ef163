package models

import (
	"fmt"
	"slices"

	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/errdefs"
)

// Class holds the behavior shared by all models of one (base, type) pair.
type Class struct {
	Base modelkind.Base
	Type modelkind.Type

	// SaveToConfig is true for config-durable models. Their descriptors are
	// persisted and survive missing files. Other models are scan-only.
	SaveToConfig bool
	// Composite is true if the model has addressable sub-models.
	Composite bool
	// Formats lists the accepted storage formats. The first one is the default.
	Formats []Format
	// Canonical is the format that can be loaded into memory directly. Empty
	// means every accepted format is loadable as-is.
	Canonical Format
}

// ClassFor returns the class of models with the given base and type.
func ClassFor(base modelkind.Base, typ modelkind.Type) (Class, error) {
	switch base {
	case modelkind.StableDiffusion1, modelkind.StableDiffusion2:
	default:
		return Class{}, fmt.Errorf("unknown base model: %q", base)
	}

	c := Class{Base: base, Type: typ}
	switch typ {
	case modelkind.Main:
		c.SaveToConfig = true
		c.Composite = true
		c.Formats = []Format{FormatCheckpoint, FormatDiffusers}
		c.Canonical = FormatDiffusers
	case modelkind.Vae:
		c.SaveToConfig = true
		c.Formats = []Format{FormatCheckpoint, FormatDiffusers}
		c.Canonical = FormatDiffusers
	case modelkind.ControlNet:
		c.Formats = []Format{FormatDiffusers, FormatCheckpoint}
		c.Canonical = FormatDiffusers
	case modelkind.Lora:
		c.Formats = []Format{FormatLycoris, FormatDiffusers}
	case modelkind.TextualInversion:
		c.Formats = []Format{FormatEmbeddingFile, FormatEmbeddingFolder}
	default:
		return Class{}, fmt.Errorf("unknown model type: %q", typ)
	}
	return c, nil
}

// MustClassFor is like ClassFor but panics on unknown pairs. It is meant for
// enum values that have already been parsed.
func MustClassFor(base modelkind.Base, typ modelkind.Type) Class {
	c, err := ClassFor(base, typ)
	if err != nil {
		panic(err)
	}
	return c
}

// Accepts reports whether f is a valid storage format for the class.
func (c Class) Accepts(f Format) bool {
	return slices.Contains(c.Formats, f)
}

// NeedsConversion reports whether the model must be converted before it is loaded.
func (c Class) NeedsConversion(cfg *Config) bool {
	return c.Canonical != "" && cfg.Format != c.Canonical
}

// ValidateSubModel checks that sub is addressable for this class. An empty
// sub-model is always valid.
func (c Class) ValidateSubModel(sub modelkind.SubModel) error {
	if sub == "" {
		return nil
	}
	if !c.Composite {
		return fmt.Errorf("%w: %s models have no submodel %q", errdefs.ErrInvalidSubModel, c.Type, sub)
	}
	return nil
}

// CreateConfig builds and validates a config from attributes. Both "format"
// and "model_format" are accepted as the format attribute name.
func (c Class) CreateConfig(attrs Attributes) (*Config, error) {
	path, err := attrs.string("path")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("%w: path must be set", errdefs.ErrInvalidAttributes)
	}

	f, err := attrs.string("model_format")
	if err != nil {
		return nil, err
	}
	if f == "" {
		if f, err = attrs.string("format"); err != nil {
			return nil, err
		}
	}
	format := c.Formats[0]
	if f != "" {
		format = Format(f)
	}
	if !c.Accepts(format) {
		return nil, fmt.Errorf("%w: format %q is not valid for %s/%s models", errdefs.ErrInvalidAttributes, format, c.Base, c.Type)
	}

	cfg := &Config{
		Path:   path,
		Format: format,
	}
	if cfg.Description, err = attrs.string("description"); err != nil {
		return nil, err
	}
	if cfg.CheckpointConfig, err = attrs.string("config"); err != nil {
		return nil, err
	}

	v, err := attrs.string("variant")
	if err != nil {
		return nil, err
	}
	switch vv := Variant(v); vv {
	case "", VariantNormal, VariantInpaint, VariantDepth:
		cfg.Variant = vv
	default:
		return nil, fmt.Errorf("%w: unknown variant %q", errdefs.ErrInvalidAttributes, v)
	}

	p, err := attrs.string("prediction_type")
	if err != nil {
		return nil, err
	}
	if p != "" {
		pt, err := ParsePredictionType(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrInvalidAttributes, err)
		}
		cfg.PredictionType = pt
	}

	subs, err := attrs.subModels()
	if err != nil {
		return nil, err
	}
	if len(subs) > 0 && !c.Composite {
		return nil, fmt.Errorf("%w: %s models have no submodels", errdefs.ErrInvalidAttributes, c.Type)
	}
	cfg.SubModels = subs

	return cfg, nil
}
