package weights

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/carrick-ai/ember/internal/config"
	"github.com/carrick-ai/ember/internal/quant"
)

// Bundle is the minimal self-describing weights container this module
// defines to satisfy exactly the "weights contract consumed from loader" in
// spec.md §6 ({rows, cols, encoding, bytes} per matrix) — no metadata store,
// no tensor deduplication, no mmap. It exists because real GGUF/safetensors
// parsing is out of scope (spec.md §1).
type Bundle struct {
	Config  config.Config
	Tensors map[string]TensorEntry
}

// TensorEntry is one matrix's shape, encoding, and raw payload.
type TensorEntry struct {
	Rows, Cols int
	Encoding   quant.Encoding
	Bytes      []byte
}

// manifest is the on-disk YAML shape read by LoadManifest: config fields plus
// a list of tensors, each naming a raw file relative to the manifest.
type manifest struct {
	Config struct {
		Dim                   int     `yaml:"dim"`
		HiddenDim             int     `yaml:"hidden_dim"`
		NumberOfLayers        int     `yaml:"number_of_layers"`
		NumberOfHeads         int     `yaml:"number_of_heads"`
		NumberOfKeyValueHeads int     `yaml:"number_of_key_value_heads"`
		VocabularySize        int     `yaml:"vocabulary_size"`
		ContextLength         int     `yaml:"context_length"`
		RmsNormEps            float32 `yaml:"rms_norm_eps"`
		RopeBase              float64 `yaml:"rope_base"`
	} `yaml:"config"`
	Tensors []struct {
		Name     string `yaml:"name"`
		Rows     int    `yaml:"rows"`
		Cols     int    `yaml:"cols"`
		Encoding string `yaml:"encoding"`
		File     string `yaml:"file"`
	} `yaml:"tensors"`
}

// LoadManifest reads a YAML manifest describing a Bundle and loads each
// tensor's raw bytes from a file referenced relative to the manifest's
// directory.
func LoadManifest(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("weights: read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("weights: parse manifest: %w", err)
	}

	cfg := config.Config{
		Dim:                   m.Config.Dim,
		HiddenDim:             m.Config.HiddenDim,
		NumberOfLayers:        m.Config.NumberOfLayers,
		NumberOfHeads:         m.Config.NumberOfHeads,
		NumberOfKeyValueHeads: m.Config.NumberOfKeyValueHeads,
		VocabularySize:        m.Config.VocabularySize,
		ContextLength:         m.Config.ContextLength,
		RmsNormEps:            m.Config.RmsNormEps,
		RopeBase:              m.Config.RopeBase,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	tensors := make(map[string]TensorEntry, len(m.Tensors))
	for _, t := range m.Tensors {
		enc, err := parseEncoding(t.Encoding)
		if err != nil {
			return nil, fmt.Errorf("weights: tensor %q: %w", t.Name, err)
		}
		raw, err := os.ReadFile(filepath.Join(dir, t.File))
		if err != nil {
			return nil, fmt.Errorf("weights: tensor %q: read %q: %w", t.Name, t.File, err)
		}
		tensors[t.Name] = TensorEntry{Rows: t.Rows, Cols: t.Cols, Encoding: enc, Bytes: raw}
	}

	return &Bundle{Config: cfg, Tensors: tensors}, nil
}

func parseEncoding(s string) (quant.Encoding, error) {
	switch s {
	case "", "f32":
		return quant.EncodingF32, nil
	case "q8_0":
		return quant.EncodingQ8_0, nil
	case "q4_0":
		return quant.EncodingQ4_0, nil
	default:
		return 0, fmt.Errorf("%w: %q", quant.ErrUnsupportedQuantization, s)
	}
}

// Mat builds a *Mat for the named tensor entry, dispatching to NewMatF32 or
// NewMatQuantized by encoding.
func (b *Bundle) Mat(name string) (*Mat, error) {
	t, ok := b.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("weights: bundle missing tensor %q", name)
	}
	if t.Encoding == quant.EncodingF32 {
		data := make([]float32, t.Rows*t.Cols)
		if err := decodeF32LE(data, t.Bytes); err != nil {
			return nil, fmt.Errorf("weights: tensor %q: %w", name, err)
		}
		return NewMatF32(t.Rows, t.Cols, data)
	}
	return NewMatQuantized(t.Rows, t.Cols, t.Encoding, t.Bytes)
}

// Vector returns a plain f32 vector tensor (e.g. an rmsnorm weight).
func (b *Bundle) Vector(name string) ([]float32, error) {
	t, ok := b.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("weights: bundle missing tensor %q", name)
	}
	data := make([]float32, t.Rows*t.Cols)
	if err := decodeF32LE(data, t.Bytes); err != nil {
		return nil, fmt.Errorf("weights: tensor %q: %w", name, err)
	}
	return data, nil
}

// LoadWeights assembles a *Weights from a Bundle using the tensor naming
// convention this module defines: "token_embedding", "rms_final_weight",
// and per layer l "layers.l.{rms_att_weight,wq,wk,wv,wo,rms_ffn_weight,w1,w2,w3}".
// "wcls" is optional; when absent, weight tying is assumed and
// token_embedding is reused, per spec.md §3's note that classifier and
// embedding weights may alias.
func LoadWeights(b *Bundle) (*Weights, error) {
	tokenEmbedding, err := b.Mat("token_embedding")
	if err != nil {
		return nil, err
	}
	rmsFinalWeight, err := b.Vector("rms_final_weight")
	if err != nil {
		return nil, err
	}

	wcls := tokenEmbedding
	if _, ok := b.Tensors["wcls"]; ok {
		wcls, err = b.Mat("wcls")
		if err != nil {
			return nil, err
		}
	}

	layers := make([]Layer, b.Config.NumberOfLayers)
	for l := range layers {
		prefix := fmt.Sprintf("layers.%d.", l)
		rmsAtt, err := b.Vector(prefix + "rms_att_weight")
		if err != nil {
			return nil, err
		}
		rmsFfn, err := b.Vector(prefix + "rms_ffn_weight")
		if err != nil {
			return nil, err
		}
		wq, err := b.Mat(prefix + "wq")
		if err != nil {
			return nil, err
		}
		wk, err := b.Mat(prefix + "wk")
		if err != nil {
			return nil, err
		}
		wv, err := b.Mat(prefix + "wv")
		if err != nil {
			return nil, err
		}
		wo, err := b.Mat(prefix + "wo")
		if err != nil {
			return nil, err
		}
		w1, err := b.Mat(prefix + "w1")
		if err != nil {
			return nil, err
		}
		w2, err := b.Mat(prefix + "w2")
		if err != nil {
			return nil, err
		}
		w3, err := b.Mat(prefix + "w3")
		if err != nil {
			return nil, err
		}
		layers[l] = Layer{
			RmsAttWeight: rmsAtt,
			Wq:           wq,
			Wk:           wk,
			Wv:           wv,
			Wo:           wo,
			RmsFfnWeight: rmsFfn,
			W1:           w1,
			W3:           w3,
			W2:           w2,
		}
	}

	return New(b.Config, tokenEmbedding, layers, rmsFinalWeight, wcls)
}

func decodeF32LE(dst []float32, raw []byte) error {
	if len(raw) != len(dst)*4 {
		return fmt.Errorf("expected %d bytes for %d f32 elements, got %d", len(dst)*4, len(dst), len(raw))
	}
	for i := range dst {
		off := i * 4
		bits := uint32(raw[off]) | uint32(raw[off+1])<<8 | uint32(raw[off+2])<<16 | uint32(raw[off+3])<<24
		dst[i] = math.Float32frombits(bits)
	}
	return nil
}
