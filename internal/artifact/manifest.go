// Package artifact locates and reads compiled model artifacts on disk.
//
// An artifact directory either carries a manifest.yaml naming the artifact
// file explicitly, or exactly one file following the naming convention
// (see ConventionPattern). Anything else is rejected at load time.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/apex-x/textcls-runtime/internal/tokenizer"
)

const (
	ManifestFileName = "manifest.yaml"
	ModelConfigName  = "config.json"

	DefaultMaxLength = 512
)

var DefaultLabels = []string{"negative", "positive"}

// ONNXBinding names the graph inputs and output of an ONNX artifact.
type ONNXBinding struct {
	InputIDs      string `yaml:"input_ids"`
	AttentionMask string `yaml:"attention_mask"`
	TokenTypeIDs  string `yaml:"token_type_ids"`
	Output        string `yaml:"output"`
}

// Manifest describes an artifact directory.
type Manifest struct {
	Artifact      string                  `yaml:"artifact"`
	Backend       string                  `yaml:"backend"`
	Tokenizer     string                  `yaml:"tokenizer"`
	MaxLength     int                     `yaml:"max_length"`
	Labels        []string                `yaml:"labels"`
	Lowercase     *bool                   `yaml:"lowercase"`
	SpecialTokens tokenizer.SpecialTokens `yaml:"special_tokens"`
	ONNX          ONNXBinding             `yaml:"onnx"`
}

// LoadManifest parses manifest.yaml.
func LoadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: parsing manifest: %w", ErrCorrupt, err)
	}
	if strings.TrimSpace(m.Artifact) == "" {
		return Manifest{}, fmt.Errorf("%w: manifest %s does not name an artifact", ErrNotFound, path)
	}
	if filepath.IsAbs(m.Artifact) || strings.Contains(m.Artifact, "..") {
		return Manifest{}, fmt.Errorf("%w: manifest artifact %q must be relative to the directory", ErrCorrupt, m.Artifact)
	}
	if m.MaxLength < 0 {
		return Manifest{}, fmt.Errorf("%w: manifest max_length %d is negative", ErrCorrupt, m.MaxLength)
	}
	return m, nil
}

// LowercaseOrDefault reports whether the tokenizer lowercases; uncased models are the default.
func (m Manifest) LowercaseOrDefault() bool {
	if m.Lowercase == nil {
		return true
	}
	return *m.Lowercase
}

// TokenizerOptions maps manifest settings onto tokenizer options.
func (m Manifest) TokenizerOptions() tokenizer.Options {
	return tokenizer.Options{
		Lowercase:     m.LowercaseOrDefault(),
		SpecialTokens: m.SpecialTokens,
	}
}

func (m *Manifest) applyDefaults(dir string) error {
	if m.MaxLength == 0 {
		m.MaxLength = DefaultMaxLength
	}
	if len(m.Labels) == 0 {
		labels, err := labelsFromModelConfig(filepath.Join(dir, ModelConfigName))
		if err != nil {
			return err
		}
		m.Labels = labels
	}
	if len(m.Labels) == 0 {
		m.Labels = append([]string(nil), DefaultLabels...)
	}
	if m.ONNX.InputIDs == "" {
		m.ONNX.InputIDs = "input_ids"
	}
	if m.ONNX.AttentionMask == "" {
		m.ONNX.AttentionMask = "attention_mask"
	}
	if m.ONNX.Output == "" {
		m.ONNX.Output = "logits"
	}
	return nil
}

type modelConfig struct {
	ID2Label map[string]string `json:"id2label"`
}

// labelsFromModelConfig reads id2label from a training config.json when one
// sits next to the artifact. A missing file yields no labels.
func labelsFromModelConfig(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg modelConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrCorrupt, path, err)
	}
	if len(cfg.ID2Label) == 0 {
		return nil, nil
	}
	ids := make([]int, 0, len(cfg.ID2Label))
	for key := range cfg.ID2Label {
		id, convErr := strconv.Atoi(key)
		if convErr != nil || id < 0 {
			return nil, fmt.Errorf("%w: %s id2label key %q is not an index", ErrCorrupt, path, key)
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	labels := make([]string, len(ids))
	for idx, id := range ids {
		if id != idx {
			return nil, fmt.Errorf("%w: %s id2label is not contiguous", ErrCorrupt, path)
		}
		labels[idx] = cfg.ID2Label[strconv.Itoa(id)]
	}
	return labels, nil
}
