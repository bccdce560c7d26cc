// Package tokenizer implements the WordPiece tokenizer used by BERT-family
// text classifiers and the fixed-length encoding fed to compiled models.
//
// A WordPiece is immutable once loaded and safe for concurrent use.
package tokenizer

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrInvalidText         = errors.New("text is not valid UTF-8")
	ErrMaxLengthTooSmall   = errors.New("max length cannot hold the special tokens")
	ErrVocabularyNotFound  = errors.New("tokenizer vocabulary not found")
	ErrInvalidVocabulary   = errors.New("tokenizer vocabulary is invalid")
	ErrMissingSpecialToken = errors.New("special token missing from vocabulary")
)

const (
	DefaultPadToken = "[PAD]"
	DefaultUnkToken = "[UNK]"
	DefaultClsToken = "[CLS]"
	DefaultSepToken = "[SEP]"

	defaultSubwordPrefix   = "##"
	defaultMaxCharsPerWord = 100
)

// SpecialTokens names the tokens wrapped around and padded onto every encoding.
type SpecialTokens struct {
	Pad string `yaml:"pad"`
	Unk string `yaml:"unk"`
	Cls string `yaml:"cls"`
	Sep string `yaml:"sep"`
}

func (s SpecialTokens) withDefaults() SpecialTokens {
	if s.Pad == "" {
		s.Pad = DefaultPadToken
	}
	if s.Unk == "" {
		s.Unk = DefaultUnkToken
	}
	if s.Cls == "" {
		s.Cls = DefaultClsToken
	}
	if s.Sep == "" {
		s.Sep = DefaultSepToken
	}
	return s
}

// Options configures normalization and special tokens.
type Options struct {
	Lowercase     bool
	SpecialTokens SpecialTokens
	// SubwordPrefix marks word continuations; "##" when empty.
	SubwordPrefix string
	// MaxCharsPerWord maps longer words to the unknown token; 100 when zero.
	MaxCharsPerWord int
}

// Encoding is the fixed-length model input derived from one text (or pair).
// All three slices have the same length.
type Encoding struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
	// Truncated reports whether tokens were dropped to fit the length.
	Truncated bool
}

// Len returns the encoded sequence length.
func (e Encoding) Len() int {
	return len(e.InputIDs)
}

// WordPiece is a loaded tokenizer configuration.
type WordPiece struct {
	vocab           map[string]int
	size            int
	lowercase       bool
	prefix          string
	maxCharsPerWord int

	padID int
	unkID int
	clsID int
	sepID int
}

// New builds a tokenizer from an in-memory vocabulary.
func New(vocab map[string]int, opts Options) (*WordPiece, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("%w: empty vocabulary", ErrInvalidVocabulary)
	}
	special := opts.SpecialTokens.withDefaults()
	prefix := opts.SubwordPrefix
	if prefix == "" {
		prefix = defaultSubwordPrefix
	}
	maxChars := opts.MaxCharsPerWord
	if maxChars <= 0 {
		maxChars = defaultMaxCharsPerWord
	}

	w := &WordPiece{
		vocab:           make(map[string]int, len(vocab)),
		lowercase:       opts.Lowercase,
		prefix:          prefix,
		maxCharsPerWord: maxChars,
	}
	for token, id := range vocab {
		if id < 0 {
			return nil, fmt.Errorf("%w: negative id %d for %q", ErrInvalidVocabulary, id, token)
		}
		w.vocab[token] = id
		w.size = max(w.size, id+1)
	}
	lookups := []struct {
		token string
		dst   *int
	}{
		{special.Pad, &w.padID},
		{special.Unk, &w.unkID},
		{special.Cls, &w.clsID},
		{special.Sep, &w.sepID},
	}
	for _, lookup := range lookups {
		id, ok := w.vocab[lookup.token]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingSpecialToken, lookup.token)
		}
		*lookup.dst = id
	}
	return w, nil
}

// VocabSize returns one past the largest token id. Gaps in the id space,
// such as blank lines in vocab.txt, count toward it.
func (w *WordPiece) VocabSize() int {
	return w.size
}

// PadID returns the id used to fill encodings up to their fixed length.
func (w *WordPiece) PadID() int {
	return w.padID
}

// TokenID looks up a single vocabulary entry.
func (w *WordPiece) TokenID(token string) (int, bool) {
	id, ok := w.vocab[token]
	return id, ok
}

// Tokenize splits text into WordPiece ids without special tokens.
func (w *WordPiece) Tokenize(text string) ([]int, error) {
	if !utf8.ValidString(text) {
		return nil, ErrInvalidText
	}
	words := basicTokenize(text, w.lowercase)
	ids := make([]int, 0, len(words))
	for _, word := range words {
		ids = w.appendWordPieces(ids, word)
	}
	return ids, nil
}

// Encode produces [CLS] text [SEP] padded or truncated to exactly maxLength.
func (w *WordPiece) Encode(text string, maxLength int) (Encoding, error) {
	if maxLength < 2 {
		return Encoding{}, fmt.Errorf("%w: %d < 2", ErrMaxLengthTooSmall, maxLength)
	}
	ids, err := w.Tokenize(text)
	if err != nil {
		return Encoding{}, err
	}
	budget := maxLength - 2
	truncated := false
	if len(ids) > budget {
		ids = ids[:budget]
		truncated = true
	}
	enc := w.newEncoding(maxLength)
	pos := 0
	pos = w.put(&enc, pos, w.clsID, 0)
	for _, id := range ids {
		pos = w.put(&enc, pos, id, 0)
	}
	w.put(&enc, pos, w.sepID, 0)
	enc.Truncated = truncated
	return enc, nil
}

// EncodePair produces [CLS] a [SEP] b [SEP], truncating longest-first.
func (w *WordPiece) EncodePair(text string, pair string, maxLength int) (Encoding, error) {
	if maxLength < 3 {
		return Encoding{}, fmt.Errorf("%w: %d < 3", ErrMaxLengthTooSmall, maxLength)
	}
	first, err := w.Tokenize(text)
	if err != nil {
		return Encoding{}, err
	}
	second, err := w.Tokenize(pair)
	if err != nil {
		return Encoding{}, err
	}
	first, second, truncated := truncateLongestFirst(first, second, maxLength-3)

	enc := w.newEncoding(maxLength)
	pos := 0
	pos = w.put(&enc, pos, w.clsID, 0)
	for _, id := range first {
		pos = w.put(&enc, pos, id, 0)
	}
	pos = w.put(&enc, pos, w.sepID, 0)
	for _, id := range second {
		pos = w.put(&enc, pos, id, 1)
	}
	w.put(&enc, pos, w.sepID, 1)
	enc.Truncated = truncated
	return enc, nil
}

func (w *WordPiece) newEncoding(maxLength int) Encoding {
	enc := Encoding{
		InputIDs:      make([]int64, maxLength),
		AttentionMask: make([]int64, maxLength),
		TokenTypeIDs:  make([]int64, maxLength),
	}
	if w.padID != 0 {
		for i := range enc.InputIDs {
			enc.InputIDs[i] = int64(w.padID)
		}
	}
	return enc
}

func (w *WordPiece) put(enc *Encoding, pos int, id int, typeID int64) int {
	enc.InputIDs[pos] = int64(id)
	enc.AttentionMask[pos] = 1
	enc.TokenTypeIDs[pos] = typeID
	return pos + 1
}

// appendWordPieces runs greedy longest-match-first over one pre-split word.
func (w *WordPiece) appendWordPieces(dst []int, word string) []int {
	runes := []rune(word)
	if len(runes) > w.maxCharsPerWord {
		return append(dst, w.unkID)
	}
	pieces := make([]int, 0, 4)
	start := 0
	for start < len(runes) {
		end := len(runes)
		matched := -1
		for start < end {
			candidate := string(runes[start:end])
			if start > 0 {
				candidate = w.prefix + candidate
			}
			if id, ok := w.vocab[candidate]; ok {
				matched = id
				break
			}
			end--
		}
		if matched < 0 {
			return append(dst, w.unkID)
		}
		pieces = append(pieces, matched)
		start = end
	}
	return append(dst, pieces...)
}

// truncateLongestFirst drops trailing tokens from the longer sequence (the
// second on ties) until both fit in budget.
func truncateLongestFirst(first []int, second []int, budget int) ([]int, []int, bool) {
	truncated := false
	for len(first)+len(second) > budget {
		truncated = true
		if len(first) > len(second) {
			first = first[:len(first)-1]
		} else {
			second = second[:len(second)-1]
		}
	}
	return first, second, truncated
}
