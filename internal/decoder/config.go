package decoder

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Input layer kinds.
const (
	InputEmbed  = "embed"
	InputLinear = "linear"
)

// Positional encoding classes.
const (
	PosEncAbs       = "abs_pos"
	PosEncScaledAbs = "scaled_abs_pos"
)

// Source attention layers.
const (
	SrcAttentionMHA     = "mha"
	SrcAttentionNystrom = "nystrom"
)

// Config holds the decoder hyperparameters.
type Config struct {
	VocabSize         int `yaml:"vocab_size"`
	EncoderOutputSize int `yaml:"encoder_output_size"`
	// AttentionDim is the inner width of the attention projections.
	// Zero means EncoderOutputSize.
	AttentionDim   int `yaml:"attention_dim"`
	AttentionHeads int `yaml:"attention_heads"`
	LinearUnits    int `yaml:"linear_units"`
	NumBlocks      int `yaml:"num_blocks"`

	DropoutRate              float64 `yaml:"dropout_rate"`
	PositionalDropoutRate    float64 `yaml:"positional_dropout_rate"`
	SelfAttentionDropoutRate float64 `yaml:"self_attention_dropout_rate"`
	SrcAttentionDropoutRate  float64 `yaml:"src_attention_dropout_rate"`

	InputLayer        string `yaml:"input_layer"`
	UseOutputLayer    bool   `yaml:"use_output_layer"`
	PosEncClass       string `yaml:"pos_enc_class"`
	NormalizeBefore   bool   `yaml:"normalize_before"`
	ConcatAfter       bool   `yaml:"concat_after"`
	SrcAttentionLayer string `yaml:"src_attention_layer"`
	NystromLandmarks  int    `yaml:"nystrom_landmarks"`
	NystromKernel     int    `yaml:"nystrom_kernel"`

	// MaxLen is the number of positional encodings precomputed at construction.
	MaxLen int `yaml:"max_len"`
	// Seed drives dropout masks in training mode.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the standard ASR decoder hyperparameters for the
// given vocabulary and encoder width.
func DefaultConfig(vocabSize, encoderOutputSize int) Config {
	return Config{
		VocabSize:                vocabSize,
		EncoderOutputSize:        encoderOutputSize,
		AttentionHeads:           4,
		LinearUnits:              2048,
		NumBlocks:                6,
		DropoutRate:              0.1,
		PositionalDropoutRate:    0.1,
		SelfAttentionDropoutRate: 0.0,
		SrcAttentionDropoutRate:  0.0,
		InputLayer:               InputEmbed,
		UseOutputLayer:           true,
		PosEncClass:              PosEncAbs,
		NormalizeBefore:          true,
		ConcatAfter:              false,
		SrcAttentionLayer:        SrcAttentionMHA,
		NystromLandmarks:         64,
		NystromKernel:            33,
		MaxLen:                   5000,
	}
}

// LoadConfig reads a YAML config file. Keys missing from the file keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := DefaultConfig(0, 0)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// AttentionWidth returns the effective attention projection width.
func (c Config) AttentionWidth() int {
	if c.AttentionDim == 0 {
		return c.EncoderOutputSize
	}
	return c.AttentionDim
}

// OutputSize is the width of decoder outputs: the vocabulary when the
// output layer is enabled, the model width otherwise.
func (c Config) OutputSize() int {
	if c.UseOutputLayer {
		return c.VocabSize
	}
	return c.EncoderOutputSize
}

// Validate reports the first invalid field as a *ConfigError.
func (c Config) Validate() error {
	switch c.InputLayer {
	case InputEmbed, InputLinear:
	default:
		return &ConfigError{Field: "input_layer", Value: c.InputLayer, Msg: "must be embed or linear"}
	}
	switch c.PosEncClass {
	case PosEncAbs, PosEncScaledAbs:
	default:
		return &ConfigError{Field: "pos_enc_class", Value: c.PosEncClass, Msg: "must be abs_pos or scaled_abs_pos"}
	}
	switch c.SrcAttentionLayer {
	case SrcAttentionMHA, SrcAttentionNystrom:
	default:
		return &ConfigError{Field: "src_attention_layer", Value: c.SrcAttentionLayer, Msg: "must be mha or nystrom"}
	}

	positive := []field[int]{
		{"vocab_size", c.VocabSize},
		{"encoder_output_size", c.EncoderOutputSize},
		{"attention_heads", c.AttentionHeads},
		{"linear_units", c.LinearUnits},
		{"num_blocks", c.NumBlocks},
	}
	if c.SrcAttentionLayer == SrcAttentionNystrom {
		positive = append(positive,
			field[int]{"nystrom_landmarks", c.NystromLandmarks},
			field[int]{"nystrom_kernel", c.NystromKernel})
	}
	for _, f := range positive {
		if f.value <= 0 {
			return &ConfigError{Field: f.name, Value: f.value, Msg: "must be positive"}
		}
	}
	if c.AttentionDim < 0 {
		return &ConfigError{Field: "attention_dim", Value: c.AttentionDim, Msg: "must not be negative"}
	}
	if c.MaxLen < 0 {
		return &ConfigError{Field: "max_len", Value: c.MaxLen, Msg: "must not be negative"}
	}
	if w := c.AttentionWidth(); w%c.AttentionHeads != 0 {
		return &ConfigError{Field: "attention_heads", Value: c.AttentionHeads,
			Msg: fmt.Sprintf("must divide attention width %d", w)}
	}

	rates := []field[float64]{
		{"dropout_rate", c.DropoutRate},
		{"positional_dropout_rate", c.PositionalDropoutRate},
		{"self_attention_dropout_rate", c.SelfAttentionDropoutRate},
		{"src_attention_dropout_rate", c.SrcAttentionDropoutRate},
	}
	for _, f := range rates {
		if f.value < 0 || f.value >= 1 {
			return &ConfigError{Field: f.name, Value: f.value, Msg: "must be in [0, 1)"}
		}
	}
	return nil
}

type field[T int | float64] struct {
	name  string
	value T
}
