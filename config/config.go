package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const (
	FetcherPget = "pget"
	FetcherHTTP = "http"
)

type Config struct {
	Token   string `toml:"token" mapstructure:"token"`
	Host    string `toml:"host" mapstructure:"host"`
	Port    string `toml:"port" mapstructure:"port"`
	Libonnx string `toml:"libonnx" mapstructure:"libonnx"`

	WeightsUrl string `toml:"weights_url" mapstructure:"weights_url"`
	WeightsDir string `toml:"weights_dir" mapstructure:"weights_dir"`
	Fetcher    string `toml:"fetcher" mapstructure:"fetcher"`
	PgetBin    string `toml:"pget_bin" mapstructure:"pget_bin"`

	// ModelID selects the checkpoint inside a Hugging Face style cache layout.
	ModelID         string `toml:"model_id" mapstructure:"model_id"`
	EncoderFileName string `toml:"encoder_file_name" mapstructure:"encoder_file_name"`
	DecoderFileName string `toml:"decoder_file_name" mapstructure:"decoder_file_name"`
}

func Default() Config {
	return Config{
		Token:           "",
		Host:            "0.0.0.0",
		Port:            "5000",
		WeightsUrl:      "https://weights.replicate.delivery/default/TrOCR/weights.tar",
		WeightsDir:      "./weights",
		Fetcher:         FetcherPget,
		PgetBin:         "pget",
		ModelID:         "microsoft/trocr-base-handwritten",
		EncoderFileName: "encoder_model.onnx",
		DecoderFileName: "decoder_model.onnx",
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Fetcher {
	case FetcherPget, FetcherHTTP:
	default:
		return fmt.Errorf("unknown fetcher %q", c.Fetcher)
	}
	if c.WeightsDir == "" {
		return errors.New("weights_dir must not be empty")
	}
	if c.WeightsUrl == "" {
		return errors.New("weights_url must not be empty")
	}
	return nil
}
