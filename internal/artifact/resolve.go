package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	ErrNotFound  = errors.New("model artifact not found")
	ErrAmbiguous = fmt.Errorf("%w: more than one file matches the naming convention", ErrNotFound)
	ErrCorrupt   = errors.New("model artifact is corrupt")
)

const (
	BackendNative       = "native"
	BackendONNX         = "onnxruntime"
	BackendNeuronBridge = "neuron-bridge"
)

// ConventionPattern matches artifact files in a directory without a manifest.
const ConventionPattern = "*model*.{safetensors,onnx,pt,neff}"

// Bundle is a resolved artifact directory.
type Bundle struct {
	Dir          string
	ArtifactPath string
	Backend      string
	Manifest     Manifest
	// Digest is the hex sha256 of the artifact file.
	Digest string
	Size   int64
}

// Resolve validates dir and returns the artifact it describes. backend, when
// non-empty, overrides both the manifest and the extension-based choice.
func Resolve(dir string, backend string) (*Bundle, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact dir %q: %w", dir, err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotFound, absDir)
	}

	var manifest Manifest
	var artifactName string
	manifestPath := filepath.Join(absDir, ManifestFileName)
	if _, statErr := os.Stat(manifestPath); statErr == nil {
		manifest, err = LoadManifest(manifestPath)
		if err != nil {
			return nil, err
		}
		artifactName = manifest.Artifact
	} else {
		artifactName, err = discover(absDir)
		if err != nil {
			return nil, err
		}
	}
	if err := manifest.applyDefaults(absDir); err != nil {
		return nil, err
	}

	artifactPath := filepath.Join(absDir, filepath.FromSlash(artifactName))
	artifactInfo, err := os.Stat(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if artifactInfo.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, artifactPath)
	}
	if artifactInfo.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCorrupt, artifactPath)
	}

	selected := strings.TrimSpace(backend)
	if selected == "" {
		selected = strings.TrimSpace(manifest.Backend)
	}
	if selected == "" {
		selected, err = backendForFile(artifactName)
		if err != nil {
			return nil, err
		}
	}
	manifest.Backend = selected

	digest, err := fileDigest(artifactPath)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Dir:          absDir,
		ArtifactPath: artifactPath,
		Backend:      selected,
		Manifest:     manifest,
		Digest:       digest,
		Size:         artifactInfo.Size(),
	}, nil
}

func discover(dir string) (string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), ConventionPattern)
	if err != nil {
		return "", fmt.Errorf("scanning %s: %w", dir, err)
	}
	files := matches[:0]
	for _, match := range matches {
		if info, statErr := os.Stat(filepath.Join(dir, match)); statErr == nil && !info.IsDir() {
			files = append(files, match)
		}
	}
	switch len(files) {
	case 0:
		return "", fmt.Errorf("%w: no %s and no file matching %q in %s", ErrNotFound, ManifestFileName, ConventionPattern, dir)
	case 1:
		return files[0], nil
	default:
		sort.Strings(files)
		return "", fmt.Errorf("%w: %s", ErrAmbiguous, strings.Join(files, ", "))
	}
}

func backendForFile(name string) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".safetensors":
		return BackendNative, nil
	case ".onnx":
		return BackendONNX, nil
	case ".pt", ".neff":
		return BackendNeuronBridge, nil
	default:
		return "", fmt.Errorf("%w: cannot infer backend for %q; set backend in %s", ErrCorrupt, name, ManifestFileName)
	}
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
