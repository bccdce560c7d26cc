package service

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
)

// jsonRequest is the JSON request body. inputs may be a string, a list of
// strings, a {text, text_pair} object or a list of such objects; text and
// text_pair at the top level are shorthand for a single input.
type jsonRequest struct {
	Inputs     json.RawMessage `json:"inputs"`
	Text       *string         `json:"text"`
	TextPair   *string         `json:"text_pair"`
	Parameters json.RawMessage `json:"parameters"`
}

type jsonInput struct {
	Text     *string `json:"text"`
	TextPair string  `json:"text_pair"`
}

// DecodeRequest turns a raw request body into inputs according to its
// declared content type.
func DecodeRequest(raw []byte, contentType string) ([]Input, error) {
	mediaType, err := parseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
	switch mediaType {
	case ContentTypeJSON:
		return decodeJSONRequest(raw)
	case ContentTypeText:
		if len(raw) == 0 {
			return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
		}
		if !utf8.Valid(raw) {
			return nil, fmt.Errorf("%w: body is not valid UTF-8", ErrEncoding)
		}
		return []Input{{Text: string(raw)}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
}

func decodeJSONRequest(raw []byte) ([]Input, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	// encoding/json would silently replace invalid bytes with U+FFFD.
	if !utf8.Valid(trimmed) {
		return nil, fmt.Errorf("%w: body is not valid UTF-8", ErrEncoding)
	}
	if trimmed[0] == '"' || trimmed[0] == '[' {
		return decodeJSONInputs(trimmed)
	}

	var req jsonRequest
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON body", ErrInvalidPayload)
	}
	switch {
	case len(req.Inputs) > 0 && req.Text != nil:
		return nil, fmt.Errorf("%w: inputs and text are mutually exclusive", ErrInvalidPayload)
	case len(req.Inputs) > 0:
		if req.TextPair != nil {
			return nil, fmt.Errorf("%w: text_pair belongs inside inputs", ErrInvalidPayload)
		}
		return decodeJSONInputs(req.Inputs)
	case req.Text != nil:
		input := Input{Text: *req.Text}
		if req.TextPair != nil {
			input.TextPair = *req.TextPair
		}
		return []Input{input}, nil
	default:
		return nil, fmt.Errorf("%w: missing inputs", ErrInvalidPayload)
	}
}

func decodeJSONInputs(raw json.RawMessage) ([]Input, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("%w: missing inputs", ErrInvalidPayload)
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []Input{{Text: single}}, nil
	}
	var texts []string
	if err := json.Unmarshal(raw, &texts); err == nil {
		if len(texts) == 0 {
			return nil, fmt.Errorf("%w: inputs is empty", ErrInvalidPayload)
		}
		inputs := make([]Input, len(texts))
		for idx, text := range texts {
			inputs[idx] = Input{Text: text}
		}
		return inputs, nil
	}
	var object jsonInput
	if err := json.Unmarshal(raw, &object); err == nil && bytes.HasPrefix(raw, []byte("{")) {
		if object.Text == nil {
			return nil, fmt.Errorf("%w: input object needs text", ErrInvalidPayload)
		}
		return []Input{{Text: *object.Text, TextPair: object.TextPair}}, nil
	}
	var objects []jsonInput
	if err := json.Unmarshal(raw, &objects); err != nil {
		return nil, fmt.Errorf("%w: inputs must be a string, a list of strings or text objects", ErrInvalidPayload)
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: inputs is empty", ErrInvalidPayload)
	}
	inputs := make([]Input, len(objects))
	for idx, object := range objects {
		if object.Text == nil {
			return nil, fmt.Errorf("%w: input %d needs text", ErrInvalidPayload, idx)
		}
		inputs[idx] = Input{Text: *object.Text, TextPair: object.TextPair}
	}
	return inputs, nil
}

// NegotiateAccept picks the response media type for an Accept header. An
// empty header or a wildcard selects JSON.
func NegotiateAccept(accept string) (string, error) {
	if strings.TrimSpace(accept) == "" {
		return ContentTypeJSON, nil
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType, err := parseMediaType(part)
		if err != nil {
			continue
		}
		switch mediaType {
		case ContentTypeJSON, "*/*", "application/*":
			return ContentTypeJSON, nil
		case ContentTypeText, "text/*":
			return ContentTypeText, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAcceptType, accept)
}

// EncodeResponse serializes predictions for the negotiated accept type and
// returns the body with its content type.
func EncodeResponse(predictions []Prediction, accept string) ([]byte, string, error) {
	mediaType, err := NegotiateAccept(accept)
	if err != nil {
		return nil, "", err
	}
	if predictions == nil {
		predictions = []Prediction{}
	}
	switch mediaType {
	case ContentTypeText:
		var buf bytes.Buffer
		for _, prediction := range predictions {
			buf.WriteString(prediction.Label)
			buf.WriteByte('\t')
			buf.WriteString(strconv.FormatFloat(prediction.Score, 'g', -1, 64))
			buf.WriteByte('\n')
		}
		return buf.Bytes(), ContentTypeText + "; charset=utf-8", nil
	default:
		body, err := json.Marshal(predictions)
		if err != nil {
			return nil, "", fmt.Errorf("encoding predictions: %w", err)
		}
		return body, ContentTypeJSON, nil
	}
}

// EncodeRequest is the client-side inverse of DecodeRequest.
func EncodeRequest(inputs []Input, contentType string) ([]byte, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs", ErrInvalidPayload)
	}
	mediaType, err := parseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
	switch mediaType {
	case ContentTypeText:
		if len(inputs) != 1 || inputs[0].TextPair != "" || inputs[0].Text == "" {
			return nil, fmt.Errorf("%w: text/plain carries exactly one non-empty unpaired text", ErrInvalidPayload)
		}
		return []byte(inputs[0].Text), nil
	case ContentTypeJSON:
		paired := false
		for _, input := range inputs {
			paired = paired || input.TextPair != ""
		}
		var payload any
		switch {
		case paired:
			payload = inputs
		case len(inputs) == 1:
			payload = inputs[0].Text
		default:
			texts := make([]string, len(inputs))
			for idx, input := range inputs {
				texts[idx] = input.Text
			}
			payload = texts
		}
		return json.Marshal(map[string]any{"inputs": payload})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
}

// DecodeResponse is the client-side inverse of EncodeResponse.
func DecodeResponse(raw []byte, contentType string) ([]Prediction, error) {
	mediaType, err := parseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
	switch mediaType {
	case ContentTypeJSON:
		var predictions []Prediction
		if err := json.Unmarshal(raw, &predictions); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return predictions, nil
	case ContentTypeText:
		var predictions []Prediction
		scanner := bufio.NewScanner(bytes.NewReader(raw))
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			tab := strings.LastIndexByte(line, '\t')
			if tab < 0 {
				return nil, fmt.Errorf("%w: line %q has no score", ErrInvalidPayload, line)
			}
			score, err := strconv.ParseFloat(line[tab+1:], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
			}
			predictions = append(predictions, Prediction{Label: line[:tab], Score: score})
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return predictions, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
}

func parseMediaType(value string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(value))
	if err != nil {
		return "", err
	}
	return mediaType, nil
}
