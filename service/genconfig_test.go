package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/krau/konaocr/generate"
)

func TestLoadGenerationConfigFromModelConfig(t *testing.T) {
	dir := t.TempDir()
	writeCheckpoint(t, dir)
	cfg, err := LoadGenerationConfig(dir)
	if err != nil {
		t.Fatalf("LoadGenerationConfig() error = %v", err)
	}
	want := generate.DefaultConfig()
	if cfg != want {
		t.Fatalf("got %+v, want %+v", cfg, want)
	}
}

func TestLoadGenerationConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeCheckpoint(t, dir)
	os.WriteFile(filepath.Join(dir, ModelConfigName), []byte(`{
		"decoder_start_token_id": 0,
		"num_beams": 2,
		"decoder": {"eos_token_id": 7, "max_length": 64, "num_beams": 5, "no_repeat_ngram_size": 3}
	}`), 0o644)
	os.WriteFile(filepath.Join(dir, GenerationConfigName), []byte(`{
		"num_beams": 4, "early_stopping": true, "length_penalty": 2.0, "eos_token_id": [9, 2], "pad_token_id": null
	}`), 0o644)

	cfg, err := LoadGenerationConfig(dir)
	if err != nil {
		t.Fatalf("LoadGenerationConfig() error = %v", err)
	}
	if cfg.NumBeams != 4 {
		t.Errorf("num_beams = %d, want generation_config value 4", cfg.NumBeams)
	}
	if cfg.EOSTokenID != 9 {
		t.Errorf("eos_token_id = %d, want 9", cfg.EOSTokenID)
	}
	if cfg.DecoderStartTokenID != 0 {
		t.Errorf("decoder_start_token_id = %d, want 0", cfg.DecoderStartTokenID)
	}
	if cfg.MaxLength != 64 || cfg.NoRepeatNgramSize != 3 {
		t.Errorf("decoder block values not used: %+v", cfg)
	}
	if !cfg.EarlyStopping || cfg.LengthPenalty != 2 {
		t.Errorf("generation flags not used: %+v", cfg)
	}
	if cfg.PadTokenID != 1 {
		t.Errorf("null pad_token_id should fall back to default, got %d", cfg.PadTokenID)
	}
}

func TestLoadGenerationConfigEarlyStoppingNever(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, GenerationConfigName), []byte(`{"early_stopping": "never"}`), 0o644)
	cfg, err := LoadGenerationConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.EarlyStopping {
		t.Fatal(`"never" must disable early stopping`)
	}
}

func TestLoadGenerationConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, GenerationConfigName), []byte(`{"num_beams": 0}`), 0o644)
	if _, err := LoadGenerationConfig(dir); err == nil {
		t.Fatal("expected error for zero beams")
	}
	os.WriteFile(filepath.Join(dir, GenerationConfigName), []byte(`{`), 0o644)
	if _, err := LoadGenerationConfig(dir); err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestResolveModelDir(t *testing.T) {
	const marker = "encoder_model.onnx"
	touch := func(t *testing.T, dir string) {
		t.Helper()
		os.MkdirAll(dir, 0o755)
		if err := os.WriteFile(filepath.Join(dir, marker), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("flat", func(t *testing.T) {
		root := t.TempDir()
		touch(t, root)
		if got, err := ResolveModelDir(root, "org/name", marker); err != nil || got != root {
			t.Fatalf("got %s, %v", got, err)
		}
	})
	t.Run("onnx subdir", func(t *testing.T) {
		root := t.TempDir()
		touch(t, filepath.Join(root, "onnx"))
		if got, err := ResolveModelDir(root, "org/name", marker); err != nil || got != filepath.Join(root, "onnx") {
			t.Fatalf("got %s, %v", got, err)
		}
	})
	t.Run("hub cache prefers refs/main", func(t *testing.T) {
		root := t.TempDir()
		repo := filepath.Join(root, "models--org--name")
		touch(t, filepath.Join(repo, "snapshots", "aaa"))
		touch(t, filepath.Join(repo, "snapshots", "bbb"))
		os.MkdirAll(filepath.Join(repo, "refs"), 0o755)
		os.WriteFile(filepath.Join(repo, "refs", "main"), []byte("bbb\n"), 0o644)
		want := filepath.Join(repo, "snapshots", "bbb")
		if got, err := ResolveModelDir(root, "org/name", marker); err != nil || got != want {
			t.Fatalf("got %s, %v; want %s", got, err, want)
		}
	})
	t.Run("missing", func(t *testing.T) {
		if _, err := ResolveModelDir(t.TempDir(), "org/name", marker); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestResolveConfigDir(t *testing.T) {
	t.Run("beside graphs", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, VocabName), []byte(testVocab), 0o644)
		if got, err := ResolveConfigDir(dir); err != nil || got != dir {
			t.Fatalf("got %s, %v", got, err)
		}
	})
	t.Run("parent of onnx dir", func(t *testing.T) {
		root := t.TempDir()
		graphs := filepath.Join(root, "onnx")
		os.MkdirAll(graphs, 0o755)
		os.WriteFile(filepath.Join(root, VocabName), []byte(testVocab), 0o644)
		if got, err := ResolveConfigDir(graphs); err != nil || got != root {
			t.Fatalf("got %s, %v; want %s", got, err, root)
		}
	})
	t.Run("missing", func(t *testing.T) {
		if _, err := ResolveConfigDir(filepath.Join(t.TempDir(), "onnx")); err == nil {
			t.Fatal("expected error")
		}
	})
}
