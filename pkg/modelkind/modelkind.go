package modelkind

import "fmt"

// Base is the base model family a model was trained on.
type Base string

const (
	// StableDiffusion1 is the Stable Diffusion 1.x family.
	StableDiffusion1 Base = "sd-1"
	// StableDiffusion2 is the Stable Diffusion 2.x family.
	StableDiffusion2 Base = "sd-2"
)

// Type is the kind of a model.
type Type string

const (
	// Main is a full pipeline capable of generating images.
	Main Type = "main"
	// Vae is a standalone VAE.
	Vae Type = "vae"
	// Lora is a LoRA or LyCORIS fine-tune.
	Lora Type = "lora"
	// TextualInversion is a textual inversion embedding.
	TextualInversion Type = "embedding"
	// ControlNet is a ControlNet model.
	ControlNet Type = "controlnet"
)

// SubModel identifies an addressable part of a composite model.
type SubModel string

const (
	// UNet is the primary denoising network.
	UNet SubModel = "unet"
	// TextEncoder is the text encoder.
	TextEncoder SubModel = "text_encoder"
	// Tokenizer is the tokenizer.
	Tokenizer SubModel = "tokenizer"
	// Scheduler is the scheduler configuration.
	Scheduler SubModel = "scheduler"
	// SafetyChecker is the safety filter.
	SafetyChecker SubModel = "safety_checker"
	// VaeSubModel is the VAE embedded in a pipeline.
	VaeSubModel SubModel = "vae"
	// FeatureExtractor is the image feature extractor used by the safety checker.
	FeatureExtractor SubModel = "feature_extractor"
)

// Bases returns all base families in declaration order.
func Bases() []Base {
	return []Base{StableDiffusion1, StableDiffusion2}
}

// Types returns all model types in declaration order.
func Types() []Type {
	return []Type{Main, Vae, Lora, TextualInversion, ControlNet}
}

// SubModels returns all sub-models in declaration order.
func SubModels() []SubModel {
	return []SubModel{UNet, TextEncoder, Tokenizer, Scheduler, SafetyChecker, VaeSubModel, FeatureExtractor}
}
// Type returns the standalone model type of a sub-model, if there is one.
func (s SubModel) Type() (Type, bool) {
	if s == VaeSubModel {
		return Vae, true
	}
	return "", false
}

// ParseBase parses a base family token.
func ParseBase(s string) (Base, error) {
	for _, b := range Bases() {
		if string(b) == s {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown base model: %q", s)
}

// ParseType parses a model type token.
func ParseType(s string) (Type, error) {
	for _, t := range Types() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown model type: %q", s)
}

// ParseSubModel parses a sub-model token.
func ParseSubModel(s string) (SubModel, error) {
	for _, sm := range SubModels() {
		if string(sm) == s {
			return sm, nil
		}
	}
	return "", fmt.Errorf("unknown submodel type: %q", s)
}
