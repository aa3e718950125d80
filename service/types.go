package service

import (
	"context"
	"errors"

	"github.com/krau/konaocr/config"
	"github.com/krau/konaocr/generate"
	"github.com/krau/konaocr/weights"
)

const ImageSize = 384

var (
	TrocrMean = [3]float32{0.5, 0.5, 0.5}
	TrocrStd  = [3]float32{0.5, 0.5, 0.5}
)

var (
	ErrProvision    = weights.ErrProvision
	ErrLoad         = errors.New("model load failed")
	ErrInput        = errors.New("invalid input image")
	ErrInference    = errors.New("inference failed")
	ErrNotSetUp     = errors.New("predictor is not set up")
	ErrAlreadySetUp = errors.New("predictor is already set up")
)

// Model turns a preprocessed [1, 3, height, width] pixel tensor into output
// token ids.
type Model interface {
	Generate(ctx context.Context, pixels []float32, height, width int) ([]int64, error)
	Close() error
}

// ModelLoader builds a Model from the files in dir.
type ModelLoader func(dir string, cfg config.Config, gen generate.Config) (Model, error)
