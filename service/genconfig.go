package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/krau/konaocr/generate"
	"github.com/tidwall/gjson"
)

const (
	ModelConfigName      = "config.json"
	GenerationConfigName = "generation_config.json"
)

// LoadGenerationConfig collects the checkpoint's default decoding settings.
// Each key is looked up in generation_config.json, then the top level of
// config.json, then its decoder block, falling back to library defaults.
func LoadGenerationConfig(dir string) (generate.Config, error) {
	var sources []gjson.Result
	for _, name := range []string{GenerationConfigName, ModelConfigName} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return generate.Config{}, err
		}
		if !gjson.ValidBytes(data) {
			return generate.Config{}, fmt.Errorf("%s is not valid json", name)
		}
		doc := gjson.ParseBytes(data)
		sources = append(sources, doc)
		if name == ModelConfigName {
			if dec := doc.Get("decoder"); dec.IsObject() {
				sources = append(sources, dec)
			}
		}
	}

	lookup := func(key string) gjson.Result {
		for _, src := range sources {
			if v := src.Get(key); v.Exists() && v.Type != gjson.Null {
				return v
			}
		}
		return gjson.Result{}
	}

	cfg := generate.DefaultConfig()
	if v := lookup("max_length"); v.Exists() {
		cfg.MaxLength = int(v.Int())
	}
	if v := lookup("max_new_tokens"); v.Exists() {
		cfg.MaxNewTokens = int(v.Int())
	}
	if v := lookup("num_beams"); v.Exists() {
		cfg.NumBeams = int(v.Int())
	}
	if v := lookup("length_penalty"); v.Exists() {
		cfg.LengthPenalty = v.Float()
	}
	if v := lookup("early_stopping"); v.Exists() {
		// "never" is a valid HF value and behaves like false here
		cfg.EarlyStopping = v.Type == gjson.True
	}
	if v := lookup("no_repeat_ngram_size"); v.Exists() {
		cfg.NoRepeatNgramSize = int(v.Int())
	}
	if v := lookup("decoder_start_token_id"); v.Exists() {
		cfg.DecoderStartTokenID = v.Int()
	}
	if v := lookup("eos_token_id"); v.Exists() {
		if v.IsArray() {
			if arr := v.Array(); len(arr) > 0 {
				cfg.EOSTokenID = arr[0].Int()
			}
		} else {
			cfg.EOSTokenID = v.Int()
		}
	}
	if v := lookup("pad_token_id"); v.Exists() {
		cfg.PadTokenID = v.Int()
	}
	if err := cfg.Validate(); err != nil {
		return generate.Config{}, err
	}
	return cfg, nil
}
