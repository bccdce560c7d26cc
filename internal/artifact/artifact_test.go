package artifact

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir string, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestResolveByConvention(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "model.safetensors", []byte("weights"))
	writeFile(t, dir, "vocab.txt", []byte("[PAD]\n"))

	bundle, err := Resolve(dir, "")

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(bundle.Dir, "model.safetensors"), bundle.ArtifactPath)
	assert.Equal(t, BackendNative, bundle.Backend)
	assert.Equal(t, DefaultMaxLength, bundle.Manifest.MaxLength)
	assert.Equal(t, DefaultLabels, bundle.Manifest.Labels)
	assert.Len(t, bundle.Digest, 64)
	assert.Equal(t, int64(7), bundle.Size)
}

func TestResolveBackendFromExtension(t *testing.T) {
	tests := map[string]string{
		"model.onnx":           BackendONNX,
		"model_neuron.pt":      BackendNeuronBridge,
		"compiled-model.neff":  BackendNeuronBridge,
		"model.v2.safetensors": BackendNative,
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, name, []byte("x"))

			bundle, err := Resolve(dir, "")
			require.NoError(t, err)
			assert.Equal(t, want, bundle.Backend)
		})
	}
}

func TestResolveExplicitBackendWins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "model.pt", []byte("x"))

	bundle, err := Resolve(dir, BackendONNX)
	require.NoError(t, err)
	assert.Equal(t, BackendONNX, bundle.Backend)
}

func TestResolveNoArtifact(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "weights.bin", []byte("x"))
	writeFile(t, dir, "readme.txt", []byte("x"))

	_, err := Resolve(dir, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveAmbiguousArtifact(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "model.pt", []byte("x"))
	writeFile(t, dir, "model_neuron.pt", []byte("y"))

	_, err := Resolve(dir, "")
	assert.ErrorIs(t, err, ErrAmbiguous)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveMissingDirectory(t *testing.T) {
	_, err := Resolve(filepath.Join(t.TempDir(), "absent"), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveEmptyArtifactIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "model.safetensors", nil)

	_, err := Resolve(dir, "")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestResolveWithManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "weights/classifier.bin", []byte("x"))
	writeFile(t, dir, "model.pt", []byte("ignored because the manifest names the artifact"))
	writeFile(t, dir, ManifestFileName, []byte(`
artifact: weights/classifier.bin
backend: neuron-bridge
tokenizer: bert-base-uncased
max_length: 128
labels: [neg, pos]
lowercase: false
special_tokens:
  pad: "<pad>"
`))

	bundle, err := Resolve(dir, "")

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(bundle.Dir, "weights", "classifier.bin"), bundle.ArtifactPath)
	assert.Equal(t, BackendNeuronBridge, bundle.Backend)
	assert.Equal(t, "bert-base-uncased", bundle.Manifest.Tokenizer)
	assert.Equal(t, 128, bundle.Manifest.MaxLength)
	assert.Equal(t, []string{"neg", "pos"}, bundle.Manifest.Labels)
	assert.False(t, bundle.Manifest.LowercaseOrDefault())
	assert.Equal(t, "<pad>", bundle.Manifest.TokenizerOptions().SpecialTokens.Pad)
	assert.Equal(t, "input_ids", bundle.Manifest.ONNX.InputIDs)
}

func TestResolveManifestErrors(t *testing.T) {
	t.Run("missing artifact file", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, ManifestFileName, []byte("artifact: model.safetensors\n"))

		_, err := Resolve(dir, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("no artifact key", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, ManifestFileName, []byte("backend: native\n"))

		_, err := Resolve(dir, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("escaping artifact path", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, ManifestFileName, []byte("artifact: ../model.safetensors\n"))

		_, err := Resolve(dir, "")
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, ManifestFileName, []byte("artifact: [oops"))

		_, err := Resolve(dir, "")
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestLabelsFromModelConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "model.safetensors", []byte("x"))
	writeFile(t, dir, ModelConfigName, []byte(`{"id2label": {"1": "POSITIVE", "0": "NEGATIVE"}}`))

	bundle, err := Resolve(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"NEGATIVE", "POSITIVE"}, bundle.Manifest.Labels)

	writeFile(t, dir, ModelConfigName, []byte(`{"id2label": {"0": "a", "2": "c"}}`))
	_, err = Resolve(dir, "")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSafetensorsRoundTrip(t *testing.T) {
	tensors := map[string]Tensor{
		"classifier.bias":   {Shape: []int{2}, Data: []float32{0.5, -0.5}},
		"classifier.weight": {Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteSafetensors(&buf, tensors))

	decoded, err := DecodeSafetensors(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, tensors, decoded)
}

func TestDecodeSafetensorsRejectsCorruption(t *testing.T) {
	var good bytes.Buffer
	require.NoError(t, WriteSafetensors(&good, map[string]Tensor{
		"w": {Shape: []int{4}, Data: []float32{1, 2, 3, 4}},
	}))

	hugeHeader := make([]byte, 16)
	binary.LittleEndian.PutUint64(hugeHeader, 1<<40)

	f16 := []byte(`{"w":{"dtype":"F16","shape":[1],"data_offsets":[0,2]}}`)
	f16Raw := make([]byte, 8, 8+len(f16)+2)
	binary.LittleEndian.PutUint64(f16Raw, uint64(len(f16)))
	f16Raw = append(append(f16Raw, f16...), 0, 0)

	// 2^62 * 4 elements wraps to zero in int64, matching empty offsets.
	overflow := []byte(`{"w":{"dtype":"F32","shape":[4611686018427387904,4],"data_offsets":[0,0]}}`)
	overflowRaw := make([]byte, 8, 8+len(overflow))
	binary.LittleEndian.PutUint64(overflowRaw, uint64(len(overflow)))
	overflowRaw = append(overflowRaw, overflow...)

	negative := []byte(`{"w":{"dtype":"F32","shape":[-1,-4],"data_offsets":[0,16]}}`)
	negativeRaw := make([]byte, 8, 8+len(negative)+16)
	binary.LittleEndian.PutUint64(negativeRaw, uint64(len(negative)))
	negativeRaw = append(append(negativeRaw, negative...), make([]byte, 16)...)

	cases := map[string][]byte{
		"too short":         {1, 2, 3},
		"overflowing shape": overflowRaw,
		"negative shape":    negativeRaw,
		"huge header":       hugeHeader,
		"truncated data":    good.Bytes()[:good.Len()-4],
		"garbage header":    append([]byte{5, 0, 0, 0, 0, 0, 0, 0}, []byte("{{{{{")...),
		"unsupported dtype": f16Raw,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSafetensors(raw)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestElementCount(t *testing.T) {
	n, err := elementCount([]int{3, 4}, 12)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	n, err = elementCount([]int{0, 1 << 62}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = elementCount([]int{3, 4}, 11)
	assert.Error(t, err)
	_, err = elementCount([]int{1 << 62, 4}, 1<<20)
	assert.Error(t, err)
}

func buildTarGz(t *testing.T, entries map[string]string, extra ...*tar.Header) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	for _, header := range extra {
		require.NoError(t, tw.WriteHeader(header))
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractTarGz(t *testing.T) {
	dest := t.TempDir()
	archive := buildTarGz(t, map[string]string{
		"model.safetensors":         "weights",
		"tokenizer/vocab.txt":       "[PAD]\n",
		"code/inference_handler.py": "pass",
	})

	require.NoError(t, ExtractTarGz(bytes.NewReader(archive), dest))

	raw, err := os.ReadFile(filepath.Join(dest, "tokenizer", "vocab.txt"))
	require.NoError(t, err)
	assert.Equal(t, "[PAD]\n", string(raw))
	assert.FileExists(t, filepath.Join(dest, "model.safetensors"))
}

func TestExtractTarGzRejectsTraversal(t *testing.T) {
	t.Run("parent path", func(t *testing.T) {
		archive := buildTarGz(t, map[string]string{"../escape.txt": "x"})
		err := ExtractTarGz(bytes.NewReader(archive), t.TempDir())
		assert.ErrorIs(t, err, ErrUnsafeArchive)
	})

	t.Run("symlink", func(t *testing.T) {
		archive := buildTarGz(t, nil, &tar.Header{
			Name:     "model.safetensors",
			Linkname: "/etc/passwd",
			Typeflag: tar.TypeSymlink,
		})
		err := ExtractTarGz(bytes.NewReader(archive), t.TempDir())
		assert.ErrorIs(t, err, ErrUnsafeArchive)
	})

	t.Run("not gzip", func(t *testing.T) {
		err := ExtractTarGz(bytes.NewReader([]byte("plain")), t.TempDir())
		assert.Error(t, err)
	})
}
