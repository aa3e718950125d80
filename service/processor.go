package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/tidwall/gjson"
)

const (
	PreprocessorConfigName = "preprocessor_config.json"
	VocabName              = "vocab.json"
)

// resampling filters indexed by their PIL constant
var pilFilters = map[int64]imaging.ResampleFilter{
	0: imaging.NearestNeighbor,
	1: imaging.Lanczos,
	2: imaging.Linear,
	3: imaging.CatmullRom,
	4: imaging.Box,
	5: imaging.Hamming,
}

// Processor pairs the image transform with the vocabulary of one checkpoint.
type Processor struct {
	DoResize      bool
	Width, Height int
	Filter        imaging.ResampleFilter
	DoRescale     bool
	RescaleFactor float32
	DoNormalize   bool
	Mean, Std     [3]float32

	Vocab *Vocab
}

func DefaultProcessor() *Processor {
	return &Processor{
		DoResize:      true,
		Width:         ImageSize,
		Height:        ImageSize,
		Filter:        imaging.Linear,
		DoRescale:     true,
		RescaleFactor: 1.0 / 255,
		DoNormalize:   true,
		Mean:          TrocrMean,
		Std:           TrocrStd,
	}
}

// LoadProcessor reads preprocessor_config.json (optional) and vocab.json from
// dir.
func LoadProcessor(dir string, specialIDs ...int64) (*Processor, error) {
	p := DefaultProcessor()
	data, err := os.ReadFile(filepath.Join(dir, PreprocessorConfigName))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := p.apply(data); err != nil {
			return nil, fmt.Errorf("%s: %w", PreprocessorConfigName, err)
		}
	}

	p.Vocab, err = LoadVocab(filepath.Join(dir, VocabName), specialIDs...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Processor) apply(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("invalid json")
	}
	cfg := gjson.ParseBytes(data)

	if v := cfg.Get("do_resize"); v.Exists() {
		p.DoResize = v.Bool()
	}
	if size := cfg.Get("size"); size.Exists() {
		if size.IsObject() {
			if short := size.Get("shortest_edge"); short.Exists() {
				p.Width, p.Height = int(short.Int()), int(short.Int())
			} else {
				p.Width, p.Height = int(size.Get("width").Int()), int(size.Get("height").Int())
			}
		} else {
			p.Width, p.Height = int(size.Int()), int(size.Int())
		}
		if p.DoResize && (p.Width <= 0 || p.Height <= 0) {
			return fmt.Errorf("invalid size %s", size.Raw)
		}
	}
	if v := cfg.Get("resample"); v.Exists() {
		f, ok := pilFilters[v.Int()]
		if !ok {
			return fmt.Errorf("unsupported resample %d", v.Int())
		}
		p.Filter = f
	}
	if v := cfg.Get("do_rescale"); v.Exists() {
		p.DoRescale = v.Bool()
	}
	if v := cfg.Get("rescale_factor"); v.Exists() {
		p.RescaleFactor = float32(v.Float())
	}
	if v := cfg.Get("do_normalize"); v.Exists() {
		p.DoNormalize = v.Bool()
	}
	var err error
	if p.Mean, err = triple(cfg.Get("image_mean"), p.Mean); err != nil {
		return fmt.Errorf("image_mean: %w", err)
	}
	if p.Std, err = triple(cfg.Get("image_std"), p.Std); err != nil {
		return fmt.Errorf("image_std: %w", err)
	}
	for c, s := range p.Std {
		if s == 0 {
			return fmt.Errorf("image_std[%d] is zero", c)
		}
	}
	return nil
}

func triple(v gjson.Result, def [3]float32) ([3]float32, error) {
	if !v.Exists() {
		return def, nil
	}
	if !v.IsArray() {
		f := float32(v.Float())
		return [3]float32{f, f, f}, nil
	}
	arr := v.Array()
	if len(arr) != 3 {
		return def, fmt.Errorf("expected 3 values, got %d", len(arr))
	}
	return [3]float32{float32(arr[0].Float()), float32(arr[1].Float()), float32(arr[2].Float())}, nil
}

// Decode turns generated ids into text, skipping special tokens.
func (p *Processor) Decode(ids []int64) string {
	return p.Vocab.Decode(ids)
}
