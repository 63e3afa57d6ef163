package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/llmariner/model-registry/pkg/modelkind"
	"github.com/llmariner/model-registry/registry/internal/models"
)

const (
	configFile     = "config.json"
	modelIndexFile = "model_index.json"
	weightsName    = "diffusion_pytorch_model"
)

// BundleConverter lays out a single-file checkpoint as a multi-file bundle.
// Weights are copied as-is; the bundle metadata records the base and variant
// so that the result is recognized the same way as the source.
type BundleConverter struct{}

// Convert implements converter.
func (BundleConverter) Convert(ctx context.Context, src, dst string, cfg *models.Config, class models.Class) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s is a directory, not a checkpoint", src)
	}

	switch class.Type {
	case modelkind.Main:
		return convertPipeline(ctx, src, dst, cfg, class)
	case modelkind.Vae:
		return writeComponent(ctx, src, dst, "AutoencoderKL", nil)
	case modelkind.ControlNet:
		return writeComponent(ctx, src, dst, "ControlNetModel", map[string]any{
			"cross_attention_dim": crossAttentionDim(class.Base),
		})
	default:
		return fmt.Errorf("%s models cannot be converted", class.Type)
	}
}

func convertPipeline(ctx context.Context, src, dst string, cfg *models.Config, class models.Class) error {
	components := map[modelkind.SubModel]string{
		modelkind.UNet:        "UNet2DConditionModel",
		modelkind.TextEncoder: "CLIPTextModel",
		modelkind.Tokenizer:   "CLIPTokenizer",
		modelkind.Scheduler:   "PNDMScheduler",
		modelkind.VaeSubModel: "AutoencoderKL",
	}
	index := map[string]any{
		"_class_name": "StableDiffusionPipeline",
	}
	for sub, cls := range components {
		lib := "diffusers"
		if sub == modelkind.TextEncoder || sub == modelkind.Tokenizer {
			lib = "transformers"
		}
		index[string(sub)] = []string{lib, cls}
	}
	if err := writeJSON(filepath.Join(dst, modelIndexFile), index); err != nil {
		return err
	}

	unet := map[string]any{
		"_class_name":         components[modelkind.UNet],
		"cross_attention_dim": crossAttentionDim(class.Base),
		"in_channels":         inChannels(cfg.Variant),
	}
	if err := writeComponent(ctx, src, filepath.Join(dst, string(modelkind.UNet)), components[modelkind.UNet], unet); err != nil {
		return err
	}

	pt := cfg.PredictionType
	if pt == "" {
		pt = models.PredictionEpsilon
	}
	if err := writeJSON(filepath.Join(dst, string(modelkind.Scheduler), "scheduler_config.json"), map[string]any{
		"_class_name":     components[modelkind.Scheduler],
		"prediction_type": pt,
	}); err != nil {
		return err
	}

	for _, sub := range []modelkind.SubModel{modelkind.TextEncoder, modelkind.Tokenizer, modelkind.VaeSubModel} {
		if err := writeJSON(filepath.Join(dst, string(sub), configFile), map[string]any{
			"_class_name": components[sub],
		}); err != nil {
			return err
		}
	}
	return nil
}

// writeComponent writes a component directory holding a config and a copy of the weights.
func writeComponent(ctx context.Context, src, dir, className string, extra map[string]any) error {
	c := map[string]any{"_class_name": className}
	for k, v := range extra {
		c[k] = v
	}
	if err := writeJSON(filepath.Join(dir, configFile), c); err != nil {
		return err
	}
	ext := ".bin"
	if strings.EqualFold(filepath.Ext(src), ".safetensors") {
		ext = ".safetensors"
	}
	return copyFile(ctx, src, filepath.Join(dir, weightsName+ext))
}

func crossAttentionDim(b modelkind.Base) int {
	if b == modelkind.StableDiffusion2 {
		return 1024
	}
	return 768
}

func inChannels(v models.Variant) int {
	switch v {
	case models.VariantInpaint:
		return 9
	case models.VariantDepth:
		return 5
	default:
		return 4
	}
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

func copyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
