package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/llmariner/model-registry/registry/internal/models"
	"github.com/mattn/go-isatty"
)

// predictionHelper returns a helper that answers with the given prediction
// type. When none is given, the helper prompts on the terminal. Nil is
// returned when stdin is not a terminal, which selects the default.
func predictionHelper(predictionType string) (models.PredictionHelper, error) {
	if predictionType != "" {
		pt, err := models.ParsePredictionType(predictionType)
		if err != nil {
			return nil, err
		}
		return func(string) (models.PredictionType, error) { return pt, nil }, nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return nil, nil
	}
	return promptPredictionType, nil
}

func promptPredictionType(path string) (models.PredictionType, error) {
	pt := models.PredictionV
	sel := huh.NewSelect[models.PredictionType]().
		Title(fmt.Sprintf("Prediction type of %s", filepath.Base(path))).
		Description("SD 2.x checkpoints trained at 768px use v_prediction. Base 512px checkpoints use epsilon.").
		Options(
			huh.NewOption("v_prediction", models.PredictionV),
			huh.NewOption("epsilon", models.PredictionEpsilon),
			huh.NewOption("sample", models.PredictionSample),
		).
		Value(&pt)
	if err := huh.NewForm(huh.NewGroup(sel)).Run(); err != nil {
		return "", err
	}
	return pt, nil
}
