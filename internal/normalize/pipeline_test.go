package normalize

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediavault/internal/errors"
	"mediavault/internal/testutil"
	"mediavault/internal/validate"
)

func newTestPipeline(t *testing.T) (*Pipeline, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return NewPipeline(fs, &StdImageProcessor{}, testutil.NewTestLogger()), fs
}

func writeWorkingFile(t *testing.T, fs afero.Fs, path string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, data, 0o640))
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestProcess_Image(t *testing.T) {
	pipeline, fs := newTestPipeline(t)
	writeWorkingFile(t, fs, "work/src", pngBytes(t, 64, 64))

	result, err := pipeline.Process(context.Background(), "work/src", "cat.png",
		validate.Constraints{MaxBytes: 1 << 20, AllowedMIME: []string{"image/png"}}, "corr-1")

	require.NoError(t, err)
	assert.Equal(t, "work/src.normalized", result.Path)
	assert.Equal(t, "image/png", result.Meta.MIME)
	assert.Equal(t, 64, result.Meta.Width)
	assert.Equal(t, "cat.png", result.Meta.OriginalFilename)

	exists, err := afero.Exists(fs, result.Path)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestProcess_NonImageVerbatimCopy(t *testing.T) {
	pipeline, fs := newTestPipeline(t)
	payload := bytes.Repeat([]byte("pdfish-data."), 1000)
	// Give it a real PDF header so sniffing is deterministic.
	payload = append([]byte("%PDF-1.7\n"), payload...)
	writeWorkingFile(t, fs, "work/doc", payload)

	result, err := pipeline.Process(context.Background(), "work/doc", "doc.pdf",
		validate.Constraints{MaxBytes: 1 << 20}, "corr-1")

	require.NoError(t, err)
	copied, err := afero.ReadFile(fs, result.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, copied, "non-image normalization must be byte-identical")
}

func TestProcess_ImageIsReencoded(t *testing.T) {
	pipeline, fs := newTestPipeline(t)
	// Trailing junk after the PNG stream must not survive normalization.
	dirty := append(pngBytes(t, 32, 32), []byte("TRAILING-JUNK")...)
	writeWorkingFile(t, fs, "work/src", dirty)

	result, err := pipeline.Process(context.Background(), "work/src", "a.png",
		validate.Constraints{MaxBytes: 1 << 20}, "corr-1")

	require.NoError(t, err)
	normalized, err := afero.ReadFile(fs, result.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(normalized), "TRAILING-JUNK")
}

func TestProcess_ValidationFailurePropagates(t *testing.T) {
	pipeline, fs := newTestPipeline(t)
	writeWorkingFile(t, fs, "work/src", pngBytes(t, 10, 10))

	_, err := pipeline.Process(context.Background(), "work/src", "tiny.png",
		validate.Constraints{MaxBytes: 1 << 20, MinDimension: 200}, "corr-1")

	require.Error(t, err)
	assert.Equal(t, errors.ErrValidationFailed, errors.CodeOf(err))

	// No normalized leftover on failure.
	exists, _ := afero.Exists(fs, "work/src.normalized")
	assert.False(t, exists)
}

func TestProcess_MissingSource(t *testing.T) {
	pipeline, _ := newTestPipeline(t)

	_, err := pipeline.Process(context.Background(), "work/nope", "x",
		validate.Constraints{MaxBytes: 1 << 20}, "corr-1")

	require.Error(t, err)
	assert.Equal(t, errors.ErrSourceUnreadable, errors.CodeOf(err))
}

// tamperFs swaps the working file's content on its second open, landing the
// rewrite in the window between the validation pass and the re-hash.
type tamperFs struct {
	afero.Fs
	target  string
	payload []byte
	opens   int
}

func (f *tamperFs) Open(name string) (afero.File, error) {
	if name == f.target {
		f.opens++
		if f.opens == 2 {
			if err := afero.WriteFile(f.Fs, name, f.payload, 0o640); err != nil {
				return nil, err
			}
		}
	}
	return f.Fs.Open(name)
}

func TestProcess_ContentChangedBetweenValidateAndRehash(t *testing.T) {
	fs := &tamperFs{
		Fs:      afero.NewMemMapFs(),
		target:  "work/src",
		payload: pngBytes(t, 8, 8),
	}
	pipeline := NewPipeline(fs, &StdImageProcessor{}, testutil.NewTestLogger())
	writeWorkingFile(t, fs, "work/src", pngBytes(t, 64, 64))

	_, err := pipeline.Process(context.Background(), "work/src", "cat.png",
		validate.Constraints{MaxBytes: 1 << 20, AllowedMIME: []string{"image/png"}}, "corr-1")

	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.ErrValidationFailed, appErr.Code)
	assert.Equal(t, "content_changed", appErr.Reason)

	// The pipeline must bail before writing any normalized output.
	exists, _ := afero.Exists(fs, "work/src.normalized")
	assert.False(t, exists)
}

func TestHashFile_MatchesValidatePass(t *testing.T) {
	pipeline, fs := newTestPipeline(t)
	data := pngBytes(t, 16, 16)
	writeWorkingFile(t, fs, "work/src", data)

	checked, err := validate.Validate(bytes.NewReader(data), validate.Constraints{MaxBytes: 1 << 20})
	require.NoError(t, err)

	hashed, err := pipeline.hashFile("work/src")
	require.NoError(t, err)
	assert.Equal(t, checked.SHA256, hashed,
		"the under-lock hash and the re-hash must agree for unchanged content")
}
