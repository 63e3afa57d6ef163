// Package probe classifies files and directories into model descriptors.
//
// Directories are recognized by their marker files. Single files are recognized
// by their suffix; safetensors files are further classified from the tensor
// names and shapes in their header. Pickle based formats (.ckpt, .pt, ...) cannot
// be inspected and are classified by suffix alone.
package probe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/errdefs"
	"github.com/llmariner/model-registry/registry/internal/models"
)

const (
	markerModelIndex   = "model_index.json"
	markerConfig       = "config.json"
	markerEmbeds       = "learned_embeds.bin"
	markerLoraWeights  = "pytorch_lora_weights.bin"
	suffixSafetensors  = ".safetensors"
	dimSD1             = 768
	dimSD2             = 1024
	inChannelsInpaint  = 9
	inChannelsDepth    = 5
	schedulerConfigRel = "scheduler/scheduler_config.json"
)

// BundleMarkers are the files whose presence identifies a model directory.
var BundleMarkers = []string{markerConfig, markerModelIndex, markerEmbeds, markerLoraWeights}

// Suffixes are the recognized suffixes of single-file models.
var Suffixes = []string{".ckpt", ".bin", ".pth", suffixSafetensors, ".pt"}

// HasBundleMarker reports whether dir contains one of the bundle marker files.
func HasBundleMarker(dir string) bool {
	for _, m := range BundleMarkers {
		if fileExists(filepath.Join(dir, m)) {
			return true
		}
	}
	return false
}

// HasModelSuffix reports whether the file name has a recognized model suffix.
func HasModelSuffix(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, s := range Suffixes {
		if ext == s {
			return true
		}
	}
	return false
}

// Result is the classification of a path whose base and type are not known in advance.
type Result struct {
	Base   modelkind.Base
	Type   modelkind.Type
	Config *models.Config
	// NeedsPredictionType is set for checkpoints whose prediction type cannot be
	// derived from their content.
	NeedsPredictionType bool
}

// Prober classifies paths.
type Prober struct{}

// New returns a new Prober.
func New() *Prober {
	return &Prober{}
}

// Probe builds a descriptor for a path whose base and type are known, typically
// from the directory it was found in. It returns ErrUnrecognized if the path does
// not look like a model of the class.
func (p *Prober) Probe(path string, class models.Class) (*models.Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var format models.Format
	if fi.IsDir() {
		if !HasBundleMarker(path) {
			return nil, fmt.Errorf("%w: %s has no model marker files", errdefs.ErrUnrecognized, path)
		}
		format = models.FormatDiffusers
		if class.Type == modelkind.TextualInversion {
			format = models.FormatEmbeddingFolder
		}
	} else {
		if !HasModelSuffix(path) {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrUnrecognized, path)
		}
		switch class.Type {
		case modelkind.Lora:
			format = models.FormatLycoris
		case modelkind.TextualInversion:
			format = models.FormatEmbeddingFile
		default:
			format = models.FormatCheckpoint
		}
	}
	if !class.Accepts(format) {
		return nil, fmt.Errorf("%w: %s models cannot be stored as %s", errdefs.ErrUnrecognized, class.Type, format)
	}

	cfg := &models.Config{
		Path:   path,
		Format: format,
	}
	// Carry over the details content inspection can derive.
	if r, err := p.Classify(path); err == nil && r.Type == class.Type && r.Config.Format == format {
		cfg.Variant = r.Config.Variant
		cfg.PredictionType = r.Config.PredictionType
		if format == models.FormatCheckpoint && class.Type == modelkind.Main {
			cfg.CheckpointConfig = LegacyConfig(class.Base, cfg.Variant, cfg.PredictionType)
		}
	}
	return cfg, nil
}

// Classify determines the base, type and format of a path.
func (p *Prober) Classify(path string) (*Result, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	var r *Result
	if fi.IsDir() {
		r, err = classifyDir(path)
	} else {
		r, err = classifyFile(path)
	}
	if err != nil {
		return nil, err
	}
	r.Config.Path = path
	if r.Type == modelkind.Main && r.Config.Format == models.FormatCheckpoint {
		if r.Base == modelkind.StableDiffusion2 && r.Config.PredictionType == "" {
			r.NeedsPredictionType = true
		}
		r.Config.CheckpointConfig = LegacyConfig(r.Base, r.Config.Variant, r.Config.PredictionType)
	}
	return r, nil
}

// LegacyConfig returns the original configuration file of a main checkpoint.
func LegacyConfig(base modelkind.Base, variant models.Variant, pt models.PredictionType) string {
	const dir = "configs/stable-diffusion/"
	if base == modelkind.StableDiffusion2 {
		switch {
		case variant == models.VariantInpaint:
			return dir + "v2-inpainting-inference.yaml"
		case variant == models.VariantDepth:
			return dir + "v2-midas-inference.yaml"
		case pt == models.PredictionV:
			return dir + "v2-inference-v.yaml"
		default:
			return dir + "v2-inference.yaml"
		}
	}
	if variant == models.VariantInpaint {
		return dir + "v1-inpainting-inference.yaml"
	}
	return dir + "v1-inference.yaml"
}

type diffusersConfig struct {
	ClassName         string `json:"_class_name"`
	CrossAttentionDim int64  `json:"cross_attention_dim"`
	InChannels        int64  `json:"in_channels"`
	PredictionType    string `json:"prediction_type"`
}

func classifyDir(path string) (*Result, error) {
	switch {
	case fileExists(filepath.Join(path, markerModelIndex)):
		r := &Result{
			Base:   modelkind.StableDiffusion1,
			Type:   modelkind.Main,
			Config: &models.Config{Format: models.FormatDiffusers, Variant: models.VariantNormal},
		}
		if unet, err := readDiffusersConfig(filepath.Join(path, string(modelkind.UNet), markerConfig)); err == nil {
			if b, ok := baseFromDim(unet.CrossAttentionDim); ok {
				r.Base = b
			}
			r.Config.Variant = variantFromInChannels(unet.InChannels)
		}
		if s, err := readDiffusersConfig(filepath.Join(path, schedulerConfigRel)); err == nil && s.PredictionType != "" {
			if pt, err := models.ParsePredictionType(s.PredictionType); err == nil {
				r.Config.PredictionType = pt
			}
		}
		return r, nil
	case fileExists(filepath.Join(path, markerConfig)):
		c, err := readDiffusersConfig(filepath.Join(path, markerConfig))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s", errdefs.ErrUnrecognized, path, err)
		}
		r := &Result{
			Base:   modelkind.StableDiffusion1,
			Config: &models.Config{Format: models.FormatDiffusers},
		}
		switch c.ClassName {
		case "AutoencoderKL":
			r.Type = modelkind.Vae
		case "ControlNetModel":
			r.Type = modelkind.ControlNet
			if b, ok := baseFromDim(c.CrossAttentionDim); ok {
				r.Base = b
			}
		default:
			return nil, fmt.Errorf("%w: %s: unsupported class %q", errdefs.ErrUnrecognized, path, c.ClassName)
		}
		return r, nil
	case fileExists(filepath.Join(path, markerEmbeds)):
		return &Result{
			Base:   modelkind.StableDiffusion1,
			Type:   modelkind.TextualInversion,
			Config: &models.Config{Format: models.FormatEmbeddingFolder},
		}, nil
	case fileExists(filepath.Join(path, markerLoraWeights)):
		return &Result{
			Base:   modelkind.StableDiffusion1,
			Type:   modelkind.Lora,
			Config: &models.Config{Format: models.FormatDiffusers},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s has no model marker files", errdefs.ErrUnrecognized, path)
	}
}

func classifyFile(path string) (*Result, error) {
	if !HasModelSuffix(path) {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrUnrecognized, path)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext != suffixSafetensors {
		r := &Result{
			Base:   modelkind.StableDiffusion1,
			Type:   modelkind.Main,
			Config: &models.Config{Format: models.FormatCheckpoint, Variant: models.VariantNormal},
		}
		if ext == ".pt" || ext == ".bin" {
			r.Type = modelkind.TextualInversion
			r.Config = &models.Config{Format: models.FormatEmbeddingFile}
		}
		return r, nil
	}

	h, err := readSafetensorsHeader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", errdefs.ErrUnrecognized, path, err)
	}
	return classifyTensors(path, h)
}

func classifyTensors(path string, h safetensorsHeader) (*Result, error) {
	r := &Result{Base: modelkind.StableDiffusion1}
	switch {
	case h.hasPrefix("control_model."):
		r.Type = modelkind.ControlNet
		r.Config = &models.Config{Format: models.FormatCheckpoint}
		if b, ok := baseFromDim(h.dim("control_model.input_blocks.1.1.transformer_blocks.0.attn2.to_k.weight", 1)); ok {
			r.Base = b
		}
	case h.hasPrefix("model.diffusion_model."):
		r.Type = modelkind.Main
		r.Config = &models.Config{
			Format:  models.FormatCheckpoint,
			Variant: variantFromInChannels(h.dim("model.diffusion_model.input_blocks.0.0.weight", 1)),
		}
		if b, ok := baseFromDim(h.dim("model.diffusion_model.input_blocks.2.1.transformer_blocks.0.attn2.to_k.weight", 1)); ok {
			r.Base = b
		}
	case h.hasPrefix("lora_te_", "lora_unet_"):
		r.Type = modelkind.Lora
		r.Config = &models.Config{Format: models.FormatLycoris}
		if b, ok := baseFromDim(h.dim("lora_te_text_model_encoder_layers_0_mlp_fc1.lora_down.weight", 1)); ok {
			r.Base = b
		}
	case h.hasPrefix("encoder.conv_in.", "first_stage_model."):
		r.Type = modelkind.Vae
		r.Config = &models.Config{Format: models.FormatCheckpoint}
	case h.hasPrefix("string_to_param", "emb_params") || len(h) == 1:
		r.Type = modelkind.TextualInversion
		r.Config = &models.Config{Format: models.FormatEmbeddingFile}
		for _, t := range h {
			if len(t.Shape) > 0 {
				if b, ok := baseFromDim(t.Shape[len(t.Shape)-1]); ok {
					r.Base = b
				}
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s: unknown tensor layout", errdefs.ErrUnrecognized, path)
	}
	return r, nil
}

func baseFromDim(d int64) (modelkind.Base, bool) {
	switch d {
	case dimSD1:
		return modelkind.StableDiffusion1, true
	case dimSD2:
		return modelkind.StableDiffusion2, true
	default:
		return "", false
	}
}

func variantFromInChannels(n int64) models.Variant {
	switch n {
	case inChannelsInpaint:
		return models.VariantInpaint
	case inChannelsDepth:
		return models.VariantDepth
	default:
		return models.VariantNormal
	}
}

func readDiffusersConfig(path string) (*diffusersConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c diffusersConfig
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
