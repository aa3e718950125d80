package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/krau/konaocr/config"
	"github.com/krau/konaocr/weights"
)

// Predictor owns the loaded model and preprocessor. Setup must complete
// before Predict is called.
type Predictor struct {
	cfg     config.Config
	loader  ModelLoader
	fetcher weights.Fetcher

	mu        sync.RWMutex
	ready     bool
	processor *Processor
	model     Model
}

type Option func(*Predictor)

// WithFetcher replaces the fetcher chosen by the config.
func WithFetcher(f weights.Fetcher) Option {
	return func(p *Predictor) { p.fetcher = f }
}

func New(cfg config.Config, loader ModelLoader, opts ...Option) *Predictor {
	p := &Predictor{cfg: cfg, loader: loader}
	for _, opt := range opts {
		opt(p)
	}
	if p.fetcher == nil {
		p.fetcher = NewFetcher(cfg)
	}
	return p
}

// NewFetcher returns the weights fetcher named by cfg.Fetcher.
func NewFetcher(cfg config.Config) weights.Fetcher {
	if cfg.Fetcher == config.FetcherHTTP {
		return weights.NewHTTP(http.DefaultClient)
	}
	return weights.NewPget(cfg.PgetBin)
}

// Setup provisions the weights and loads the preprocessor and model from
// local files.
func (p *Predictor) Setup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return ErrAlreadySetUp
	}
	if p.loader == nil {
		return fmt.Errorf("%w: no model loader", ErrLoad)
	}

	if err := weights.Ensure(ctx, p.fetcher, p.cfg.WeightsUrl, p.cfg.WeightsDir); err != nil {
		return err
	}

	start := time.Now()
	dir, err := ResolveModelDir(p.cfg.WeightsDir, p.cfg.ModelID, p.cfg.EncoderFileName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoad, err)
	}
	configDir, err := ResolveConfigDir(dir)
	if err != nil {
		return fmt.Errorf("%w: processor: %w", ErrLoad, err)
	}
	gen, err := LoadGenerationConfig(configDir)
	if err != nil {
		return fmt.Errorf("%w: generation config: %w", ErrLoad, err)
	}
	processor, err := LoadProcessor(configDir, gen.DecoderStartTokenID, gen.EOSTokenID, gen.PadTokenID)
	if err != nil {
		return fmt.Errorf("%w: processor: %w", ErrLoad, err)
	}
	model, err := p.loader(dir, p.cfg, gen)
	if err != nil {
		return fmt.Errorf("%w: model: %w", ErrLoad, err)
	}

	p.processor = processor
	p.model = model
	p.ready = true
	slog.Info("Model loaded",
		slog.String("dir", dir),
		slog.String("config_dir", configDir),
		slog.Int("vocab", processor.Vocab.Len()),
		slog.Int("num_beams", gen.NumBeams),
		slog.Int("max_length", gen.MaxLength),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Predict recognizes the text in the image at imagePath.
func (p *Predictor) Predict(ctx context.Context, imagePath string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.ready {
		return "", ErrNotSetUp
	}

	img, err := OpenImage(imagePath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInput, err)
	}
	pixels, h, w := p.processor.Preprocess(img)

	ids, err := p.model.Generate(ctx, pixels, h, w)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInference, err)
	}
	return p.processor.Decode(ids), nil
}

func (p *Predictor) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// Close releases the model.
func (p *Predictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	p.ready = false
	return err
}
