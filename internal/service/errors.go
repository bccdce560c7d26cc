package service

import (
	"errors"
	"fmt"
)

// Startup errors: the process must not start serving after either.
var (
	ErrArtifactNotFound = errors.New("model artifact not found")
	ErrDeserialization  = errors.New("model artifact could not be deserialized")
)

// Per-request errors.
var (
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrUnsupportedAcceptType  = errors.New("unsupported accept type")
	ErrInvalidPayload         = errors.New("invalid request payload")
	ErrPayloadTooLarge        = errors.New("request payload too large")
	ErrEncoding               = errors.New("input could not be encoded")
	ErrInferenceRuntime       = errors.New("inference runtime failed")
)

// Lifecycle errors.
var (
	ErrNotReady      = errors.New("model is not serving")
	ErrAlreadyLoaded = errors.New("model is already loaded")
)

var (
	ErrBackendUnavailable = fmt.Errorf("%w: backend unavailable", ErrInferenceRuntime)
	ErrBackendProtocol    = fmt.Errorf("%w: backend protocol failed", ErrInferenceRuntime)
)
