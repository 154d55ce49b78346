package main

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"gopkg.in/yaml.v3"
)

// ModelConfig holds the VAE architecture and loss weights.
type ModelConfig struct {
	InputDim    int     `json:"input_dim" yaml:"input_dim"`       // Number of genes
	LatentDim   int     `json:"latent_dim" yaml:"latent_dim"`     // Latent code width
	HiddenDim   int     `json:"hidden_dim" yaml:"hidden_dim"`     // Encoder/decoder hidden width
	NoiseRate   float64 `json:"noise_rate" yaml:"noise_rate"`     // Std of the denoising input noise
	KLWeight    float64 `json:"kl_weight" yaml:"kl_weight"`       // Multiplier on the KL term
	CycleWeight float64 `json:"cycle_weight" yaml:"cycle_weight"` // Multiplier on the cycle term
	NumHeads    int     `json:"num_heads" yaml:"num_heads"`       // 0 disables latent attention
	Seed        int64   `json:"seed" yaml:"seed"`                 // Initialisation and sampling seed
}

// DefaultModelConfig returns the published scOTC hyperparameters.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		InputDim:    6998,
		LatentDim:   200,
		HiddenDim:   1000,
		NoiseRate:   0.1,
		KLWeight:    5e-3,
		CycleWeight: 0.01,
		NumHeads:    4,
		Seed:        1,
	}
}

// Validate reports configuration errors.
func (c ModelConfig) Validate() error {
	switch {
	case c.InputDim <= 0 || c.LatentDim <= 0 || c.HiddenDim <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("model: dimensions must be positive (input=%d latent=%d hidden=%d)",
			c.InputDim, c.LatentDim, c.HiddenDim))
	case c.NoiseRate < 0:
		return errors.E(errors.Invalid, "model: noise_rate must be non-negative")
	case c.NumHeads < 0:
		return errors.E(errors.Invalid, "model: num_heads must be non-negative")
	case c.NumHeads > 0 && c.LatentDim%c.NumHeads != 0:
		return errors.E(errors.Invalid, fmt.Sprintf("model: latent_dim %d not divisible by num_heads %d", c.LatentDim, c.NumHeads))
	}
	return nil
}

// TrainingConfig holds hyperparameters for training.
type TrainingConfig struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay"`   // L2 regularization added to the gradient
	GradClipNorm float64 `yaml:"grad_clip_norm"` // Global-norm clip, 0 disables

	// LRStepGamma multiplies the learning rate after every epoch (StepLR with
	// step size 1). 1 keeps the rate constant.
	LRStepGamma float64 `yaml:"lr_step_gamma"`

	Optimizer   string  `yaml:"optimizer"` // "adam" or "sgd"
	AdamBeta1   float64 `yaml:"adam_beta1"`
	AdamBeta2   float64 `yaml:"adam_beta2"`
	AdamEpsilon float64 `yaml:"adam_epsilon"`

	Shuffle bool  `yaml:"shuffle"`
	Seed    int64 `yaml:"seed"` // Batch order seed
}

// DefaultTrainingConfig returns the defaults used for the published runs.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:       100,
		BatchSize:    128,
		LearningRate: 5e-4,
		WeightDecay:  1e-5,
		GradClipNorm: 10,
		LRStepGamma:  1,
		Optimizer:    "adam",
		AdamBeta1:    0.9,
		AdamBeta2:    0.999,
		AdamEpsilon:  1e-8,
		Shuffle:      true,
		Seed:         1,
	}
}

// Validate reports configuration errors.
func (c TrainingConfig) Validate() error {
	switch {
	case c.Epochs <= 0:
		return errors.E(errors.Invalid, "training: epochs must be positive")
	case c.BatchSize <= 0:
		return errors.E(errors.Invalid, "training: batch_size must be positive")
	case c.LearningRate <= 0:
		return errors.E(errors.Invalid, "training: learning_rate must be positive")
	case c.LRStepGamma <= 0:
		return errors.E(errors.Invalid, "training: lr_step_gamma must be positive")
	case c.Optimizer != "adam" && c.Optimizer != "sgd":
		return errors.E(errors.Invalid, fmt.Sprintf("training: unknown optimizer %q", c.Optimizer))
	}
	return nil
}

// KeyDict names the obs columns and condition labels used for prediction.
type KeyDict struct {
	CellTypeKey  string `yaml:"cell_type_key"`
	ConditionKey string `yaml:"condition_key"`
	CtrlKey      string `yaml:"ctrl_key"`
	StimKey      string `yaml:"stim_key"`
	PredKey      string `yaml:"pred_key"`
}

// DefaultKeyDict matches the column names of the PBMC benchmark data.
func DefaultKeyDict() KeyDict {
	return KeyDict{
		CellTypeKey:  "cell_type",
		ConditionKey: "condition",
		CtrlKey:      "control",
		StimKey:      "stimulated",
		PredKey:      "predicted",
	}
}

// Validate reports missing keys.
func (k KeyDict) Validate() error {
	for name, v := range map[string]string{
		"cell_type_key": k.CellTypeKey,
		"condition_key": k.ConditionKey,
		"ctrl_key":      k.CtrlKey,
		"stim_key":      k.StimKey,
		"pred_key":      k.PredKey,
	} {
		if v == "" {
			return errors.E(errors.Invalid, "keys: "+name+" must be set")
		}
	}
	return nil
}

// PredictConfig controls OT matching and delta extrapolation.
type PredictConfig struct {
	CellType string  `yaml:"cell_type"` // Held-out cell type to predict
	Keys     KeyDict `yaml:"keys"`

	Ratio float64 `yaml:"ratio"` // Fraction of control cells used as neighbours
	E     float64 `yaml:"e"`     // Scale of the mean-shift correction, 0 disables
	R     float64 `yaml:"r"`     // Scale of the extrapolated delta

	Metric      string  `yaml:"metric"`       // euclidean, sqeuclidean, cityblock
	Solver      string  `yaml:"solver"`       // emd or sinkhorn
	SinkhornReg float64 `yaml:"sinkhorn_reg"` // Entropic regularisation for sinkhorn
	MaxIter     int     `yaml:"max_iter"`     // Sinkhorn iteration cap
	MaxPivots   int     `yaml:"max_pivots"`   // EMD simplex pivot cap

	// SharedNeighbors picks the neighbour set from the first held-out cell and
	// applies the resulting delta to every cell. When false each held-out cell
	// uses its own neighbours.
	SharedNeighbors bool `yaml:"shared_neighbors"`

	Seed int64 `yaml:"seed"` // Latent sampling seed
}

// DefaultPredictConfig returns defaults matching the published procedure.
func DefaultPredictConfig() PredictConfig {
	return PredictConfig{
		Keys:        DefaultKeyDict(),
		Ratio:       0.05,
		E:           0,
		R:           1,
		Metric:      MetricEuclidean,
		Solver:      SolverEMD,
		SinkhornReg: 0.05,
		MaxIter:     100000,
		MaxPivots:   10000000,

		SharedNeighbors: true,

		Seed: 1,
	}
}

// Validate reports configuration errors.
func (c PredictConfig) Validate() error {
	if c.CellType == "" {
		return errors.E(errors.Invalid, "predict: cell type to predict must be set")
	}
	if err := c.Keys.Validate(); err != nil {
		return err
	}
	switch {
	case c.Ratio <= 0 || c.Ratio > 1:
		return errors.E(errors.Invalid, fmt.Sprintf("predict: ratio %g outside (0, 1]", c.Ratio))
	case c.MaxIter <= 0:
		return errors.E(errors.Invalid, "predict: max_iter must be positive")
	case c.MaxPivots <= 0:
		return errors.E(errors.Invalid, "predict: max_pivots must be positive")
	case c.Solver != SolverEMD && c.Solver != SolverSinkhorn:
		return errors.E(errors.Invalid, fmt.Sprintf("predict: unknown solver %q", c.Solver))
	case c.Solver == SolverSinkhorn && c.SinkhornReg <= 0:
		return errors.E(errors.Invalid, "predict: sinkhorn_reg must be positive")
	}
	if _, err := metricFunc(c.Metric); err != nil {
		return err
	}
	return nil
}

// Config is the on-disk YAML layout. Any section may be omitted.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Training TrainingConfig `yaml:"training"`
	Predict  PredictConfig  `yaml:"predict"`
}

// DefaultConfig returns all sections at their defaults.
func DefaultConfig() Config {
	return Config{
		Model:    DefaultModelConfig(),
		Training: DefaultTrainingConfig(),
		Predict:  DefaultPredictConfig(),
	}
}

// ParseConfig overlays YAML onto the defaults; fields not mentioned keep
// their default values.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.E(errors.Invalid, "parse config", err)
	}
	return cfg, nil
}

// LoadConfig reads a YAML config from a local or remote path.
// An empty path returns the defaults.
func LoadConfig(ctx context.Context, path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		return Config{}, errors.E(err, "open config", path)
	}
	defer f.Close(ctx) // nolint: errcheck
	data, err := io.ReadAll(f.Reader(ctx))
	if err != nil {
		return Config{}, errors.E(err, "read config", path)
	}
	return ParseConfig(data)
}
