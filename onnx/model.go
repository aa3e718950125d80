package onnx

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/krau/konaocr/config"
	"github.com/krau/konaocr/generate"
	"github.com/krau/konaocr/service"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	pixelValues          = "pixel_values"
	lastHiddenState      = "last_hidden_state"
	inputIDs             = "input_ids"
	encoderHiddenStates  = "encoder_hidden_states"
	encoderAttentionMask = "encoder_attention_mask"
	logits               = "logits"
)

// Model runs a TrOCR export split into an encoder and a decoder without past
// key values. Sessions are only read after Load.
type Model struct {
	encoder *ort.DynamicAdvancedSession
	decoder *ort.DynamicAdvancedSession

	encoderInput  string
	encoderOutput string
	decoderInputs []string
	hasMask       bool

	gen generate.Config
}

var _ service.Model = (*Model)(nil)

// Loader matches service.ModelLoader.
func Loader(dir string, cfg config.Config, gen generate.Config) (service.Model, error) {
	m, err := Load(filepath.Join(dir, cfg.EncoderFileName), filepath.Join(dir, cfg.DecoderFileName), gen)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func Load(encoderPath, decoderPath string, gen generate.Config) (*Model, error) {
	m := &Model{gen: gen}

	inputs, outputs, err := ort.GetInputOutputInfo(encoderPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoder input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("encoder has no inputs or outputs")
	}
	m.encoderInput = pick(inputs, pixelValues)
	m.encoderOutput = pick(outputs, lastHiddenState)

	inputs, outputs, err = ort.GetInputOutputInfo(decoderPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get decoder input/output info: %w", err)
	}
	for _, in := range inputs {
		switch in.Name {
		case inputIDs, encoderHiddenStates:
		case encoderAttentionMask:
			m.hasMask = true
		default:
			return nil, fmt.Errorf("decoder input %q is not supported, export the decoder without past key values", in.Name)
		}
	}
	m.decoderInputs = []string{inputIDs, encoderHiddenStates}
	if m.hasMask {
		m.decoderInputs = append(m.decoderInputs, encoderAttentionMask)
	}
	if len(outputs) == 0 {
		return nil, errors.New("decoder has no outputs")
	}
	decoderOutput := pick(outputs, logits)

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()

	m.encoder, err = ort.NewDynamicAdvancedSession(encoderPath, []string{m.encoderInput}, []string{m.encoderOutput}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder session: %w", err)
	}
	m.decoder, err = ort.NewDynamicAdvancedSession(decoderPath, m.decoderInputs, []string{decoderOutput}, opts)
	if err != nil {
		m.encoder.Destroy()
		return nil, fmt.Errorf("failed to create decoder session: %w", err)
	}
	return m, nil
}

func pick(infos []ort.InputOutputInfo, name string) string {
	if i := slices.IndexFunc(infos, func(info ort.InputOutputInfo) bool { return info.Name == name }); i >= 0 {
		return infos[i].Name
	}
	return infos[0].Name
}

func (m *Model) Generate(ctx context.Context, pixels []float32, height, width int) ([]int64, error) {
	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(height), int64(width)), pixels)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := m.encoder.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	defer outputs[0].Destroy()
	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("encoder output %s is not a float32 tensor", m.encoderOutput)
	}
	shape := hidden.GetShape()
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("unexpected encoder output shape %v", shape)
	}

	d := &decodeState{model: m, hidden: hidden.GetData(), seqLen: shape[1], dim: shape[2]}
	defer d.release()
	return generate.Run(ctx, d.step, m.gen)
}

func (m *Model) Close() error {
	return errors.Join(m.encoder.Destroy(), m.decoder.Destroy())
}

// decodeState keeps the encoder output tiled per batch width for one
// Generate call.
type decodeState struct {
	model  *Model
	hidden []float32
	seqLen int64
	dim    int64
	tiled  map[int][]ort.Value
}

func (d *decodeState) encoderInputs(batch int) ([]ort.Value, error) {
	if v, ok := d.tiled[batch]; ok {
		return v, nil
	}
	states := make([]float32, 0, batch*len(d.hidden))
	for range batch {
		states = append(states, d.hidden...)
	}
	hs, err := ort.NewTensor(ort.NewShape(int64(batch), d.seqLen, d.dim), states)
	if err != nil {
		return nil, err
	}
	values := []ort.Value{hs}
	if d.model.hasMask {
		ones := make([]int64, int64(batch)*d.seqLen)
		for i := range ones {
			ones[i] = 1
		}
		mask, err := ort.NewTensor(ort.NewShape(int64(batch), d.seqLen), ones)
		if err != nil {
			hs.Destroy()
			return nil, err
		}
		values = append(values, mask)
	}
	if d.tiled == nil {
		d.tiled = make(map[int][]ort.Value)
	}
	d.tiled[batch] = values
	return values, nil
}

func (d *decodeState) step(ctx context.Context, seqs [][]int64) ([][]float32, error) {
	batch, length := len(seqs), len(seqs[0])
	ids := make([]int64, 0, batch*length)
	for _, s := range seqs {
		ids = append(ids, s...)
	}
	idTensor, err := ort.NewTensor(ort.NewShape(int64(batch), int64(length)), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idTensor.Destroy()

	enc, err := d.encoderInputs(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to tile encoder states: %w", err)
	}
	outputs := []ort.Value{nil}
	if err := d.model.decoder.Run(append([]ort.Value{idTensor}, enc...), outputs); err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("decoder logits are not a float32 tensor")
	}
	shape := out.GetShape()
	if len(shape) != 3 || shape[0] != int64(batch) || shape[1] != int64(length) {
		return nil, fmt.Errorf("unexpected logits shape %v", shape)
	}
	vocab := int(shape[2])
	data := out.GetData()
	rows := make([][]float32, batch)
	for i := range rows {
		off := (i*length + length - 1) * vocab
		// copy out, the tensor is destroyed on return
		rows[i] = append([]float32(nil), data[off:off+vocab]...)
	}
	return rows, nil
}

func (d *decodeState) release() {
	for _, values := range d.tiled {
		for _, v := range values {
			v.Destroy()
		}
	}
}
