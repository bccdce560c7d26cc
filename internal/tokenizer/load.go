package tokenizer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	VocabFileName     = "vocab.txt"
	TokenizerFileName = "tokenizer.json"
)

type tokenizerJSON struct {
	Model struct {
		Type                    string         `json:"type"`
		UnkToken                string         `json:"unk_token"`
		ContinuingSubwordPrefix string         `json:"continuing_subword_prefix"`
		MaxInputCharsPerWord    int            `json:"max_input_chars_per_word"`
		Vocab                   map[string]int `json:"vocab"`
	} `json:"model"`
	Normalizer *struct {
		Lowercase *bool `json:"lowercase"`
	} `json:"normalizer"`
}

// LoadNamed finds the tokenizer called name in the search directories and
// loads it. Each directory is tried as dir/name and then as dir itself.
func LoadNamed(name string, searchDirs []string, opts Options) (*WordPiece, error) {
	clean := strings.TrimSpace(name)
	if strings.Contains(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("invalid tokenizer name %q", name)
	}
	var tried []string
	for _, dir := range searchDirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		candidates := []string{dir}
		if clean != "" {
			candidates = []string{filepath.Join(dir, filepath.FromSlash(clean)), dir}
		}
		for _, candidate := range candidates {
			tried = append(tried, candidate)
			if hasVocabulary(candidate) {
				return LoadDir(candidate, opts)
			}
		}
	}
	return nil, fmt.Errorf("%w: %q (searched %s)", ErrVocabularyNotFound, name, strings.Join(tried, ", "))
}

// LoadDir loads vocab.txt, or tokenizer.json when no vocab.txt is present.
func LoadDir(dir string, opts Options) (*WordPiece, error) {
	vocabPath := filepath.Join(dir, VocabFileName)
	if fileExists(vocabPath) {
		f, err := os.Open(vocabPath)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", vocabPath, err)
		}
		defer f.Close()
		vocab, err := ReadVocab(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", vocabPath, err)
		}
		return New(vocab, opts)
	}

	jsonPath := filepath.Join(dir, TokenizerFileName)
	if fileExists(jsonPath) {
		raw, err := os.ReadFile(jsonPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", jsonPath, err)
		}
		return parseTokenizerJSON(raw, opts)
	}
	return nil, fmt.Errorf("%w: no %s or %s in %s", ErrVocabularyNotFound, VocabFileName, TokenizerFileName, dir)
}

// ReadVocab parses the one-token-per-line format; the line index is the id.
func ReadVocab(r io.Reader) (map[string]int, error) {
	vocab := make(map[string]int)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	id := 0
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r")
		if token != "" {
			if _, dup := vocab[token]; !dup {
				vocab[token] = id
			}
		}
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("%w: empty vocabulary", ErrInvalidVocabulary)
	}
	return vocab, nil
}

func parseTokenizerJSON(raw []byte, opts Options) (*WordPiece, error) {
	var decoded tokenizerJSON
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidVocabulary, err)
	}
	if modelType := decoded.Model.Type; modelType != "" && modelType != "WordPiece" {
		return nil, fmt.Errorf("%w: unsupported model type %q", ErrInvalidVocabulary, modelType)
	}
	if decoded.Model.UnkToken != "" && opts.SpecialTokens.Unk == "" {
		opts.SpecialTokens.Unk = decoded.Model.UnkToken
	}
	if decoded.Model.ContinuingSubwordPrefix != "" && opts.SubwordPrefix == "" {
		opts.SubwordPrefix = decoded.Model.ContinuingSubwordPrefix
	}
	if decoded.Model.MaxInputCharsPerWord > 0 && opts.MaxCharsPerWord == 0 {
		opts.MaxCharsPerWord = decoded.Model.MaxInputCharsPerWord
	}
	if decoded.Normalizer != nil && decoded.Normalizer.Lowercase != nil {
		opts.Lowercase = *decoded.Normalizer.Lowercase
	}
	return New(decoded.Model.Vocab, opts)
}

func hasVocabulary(dir string) bool {
	return fileExists(filepath.Join(dir, VocabFileName)) || fileExists(filepath.Join(dir, TokenizerFileName))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
