package service

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/krau/konaocr/config"
	"github.com/krau/konaocr/generate"
)

const testVocab = `{
	"<s>": 0, "<pad>": 1, "</s>": 2, "<unk>": 3,
	"Hello": 4, "Ġworld": 5, ".": 6, "Ġ.": 7, "cafÃ©": 8, "<mask>": 9
}`

const testModelConfig = `{
	"model_type": "vision-encoder-decoder",
	"decoder_start_token_id": 2,
	"pad_token_id": 1,
	"decoder": {"eos_token_id": 2, "max_length": 20, "num_beams": 1}
}`

// writeCheckpoint lays out the files a loaded checkpoint needs in dir.
func writeCheckpoint(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{}
	files[VocabName] = testVocab
	files[ModelConfigName] = testModelConfig
	files[PreprocessorConfigName] = `{"do_resize": true, "size": {"height": 384, "width": 384}, "resample": 2, "image_mean": [0.5, 0.5, 0.5], "image_std": [0.5, 0.5, 0.5]}`
	files["encoder_model.onnx"] = "encoder"
	files["decoder_model.onnx"] = "decoder"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// writeExportCheckpoint lays out a checkpoint the way ONNX exporters do: the
// tokenizer and configs at root, the graphs under root/onnx.
func writeExportCheckpoint(t *testing.T, root string) string {
	t.Helper()
	writeCheckpoint(t, root)
	graphs := filepath.Join(root, "onnx")
	if err := os.MkdirAll(graphs, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"encoder_model.onnx", "decoder_model.onnx"} {
		if err := os.Rename(filepath.Join(root, name), filepath.Join(graphs, name)); err != nil {
			t.Fatal(err)
		}
	}
	return graphs
}

// stubFetcher materializes a checkpoint instead of downloading one.
type stubFetcher struct {
	t     *testing.T
	mu    sync.Mutex
	calls [][2]string
	err   error
}

func (f *stubFetcher) FetchAndExtract(ctx context.Context, url, dest string) error {
	f.mu.Lock()
	f.calls = append(f.calls, [2]string{url, dest})
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	writeCheckpoint(f.t, dest)
	return nil
}

// brightnessModel emits "Hello" for bright images and " world" for dark
// ones, so predictions depend on the pixels that reach the model.
type brightnessModel struct {
	mu     sync.Mutex
	calls  int
	shapes [][2]int
	fail   error
	closed bool
	gen    generate.Config
}

func (m *brightnessModel) Generate(ctx context.Context, pixels []float32, height, width int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.shapes = append(m.shapes, [2]int{height, width})
	if m.fail != nil {
		err := m.fail
		m.fail = nil
		return nil, err
	}
	if len(pixels) != 3*height*width {
		return nil, errors.New("pixel tensor has wrong size")
	}
	var sum float32
	for _, v := range pixels {
		sum += v
	}
	token := int64(5)
	if sum > 0 {
		token = 4
	}
	return []int64{m.gen.DecoderStartTokenID, token, 6, m.gen.EOSTokenID}, nil
}

func (m *brightnessModel) Close() error {
	m.closed = true
	return nil
}

func loaderFor(m *brightnessModel) ModelLoader {
	return func(dir string, cfg config.Config, gen generate.Config) (Model, error) {
		m.gen = gen
		return m, nil
	}
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.WeightsDir = filepath.Join(t.TempDir(), "weights")
	return cfg
}

func uniform(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample_handwriting.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}
