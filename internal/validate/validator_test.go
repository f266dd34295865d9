package validate

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediavault/internal/errors"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestValidate_ValidPNG(t *testing.T) {
	data := encodePNG(t, 300, 300)

	result, err := Validate(bytes.NewReader(data), Constraints{
		MaxBytes:    1 << 20,
		AllowedMIME: []string{"image/png"},
	})

	require.NoError(t, err)
	assert.Equal(t, "image/png", result.MIME)
	assert.Equal(t, "png", result.Extension)
	assert.Equal(t, 300, result.Width)
	assert.Equal(t, 300, result.Height)
	assert.Equal(t, int64(len(data)), result.Size)
	assert.Len(t, result.SHA256, 64)
	assert.Len(t, result.SHA1, 40)
	assert.True(t, result.IsImage())
}

func TestValidate_EmptyFile(t *testing.T) {
	_, err := Validate(bytes.NewReader(nil), Constraints{MaxBytes: 1024})

	require.Error(t, err)
	assert.Equal(t, errors.ErrValidationFailed, errors.CodeOf(err))
}

func TestValidate_MaxBytesExceeded(t *testing.T) {
	data := encodePNG(t, 100, 100)

	_, err := Validate(bytes.NewReader(data), Constraints{MaxBytes: 16})

	require.Error(t, err)
	assert.Equal(t, errors.ErrMaxSizeExceeded, errors.CodeOf(err))
	assert.False(t, errors.Retryable(err))
}

func TestValidate_MIMENotAllowed(t *testing.T) {
	data := encodePNG(t, 50, 50)

	_, err := Validate(bytes.NewReader(data), Constraints{
		MaxBytes:    1 << 20,
		AllowedMIME: []string{"image/jpeg"},
	})

	require.Error(t, err)
	assert.Equal(t, errors.ErrValidationFailed, errors.CodeOf(err))
}

func TestValidate_DimensionsTooSmall(t *testing.T) {
	// 10x10 upload against a 200px floor must fail with a dimension error.
	data := encodePNG(t, 10, 10)

	_, err := Validate(bytes.NewReader(data), Constraints{
		MaxBytes:     1 << 20,
		AllowedMIME:  []string{"image/png"},
		MinDimension: 200,
	})

	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "dimensions_too_small", appErr.Reason)
}

func TestValidate_EmbeddedScript(t *testing.T) {
	payload := append(encodePNG(t, 50, 50), []byte("<SCRIPT>alert(1)</SCRIPT>")...)

	_, err := Validate(bytes.NewReader(payload), Constraints{MaxBytes: 1 << 20})

	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "embedded_code", appErr.Reason)
	assert.False(t, errors.Retryable(err))
}

func TestVerifyMagicBytes_Mismatch(t *testing.T) {
	cases := []struct {
		name   string
		header []byte
		mime   string
	}{
		{"gif with wrong version tag", []byte("GIF9a...."), "image/gif"},
		{"jpeg missing marker", []byte{0xFF, 0xD8, 0x00, 0x00}, "image/jpeg"},
		{"riff without webp tag", []byte("RIFF\x00\x00\x00\x00WAVE"), "image/webp"},
		{"header shorter than signature", []byte{0x89, 0x50}, "image/png"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifyMagicBytes(tc.header, tc.mime)
			require.Error(t, err)
			assert.Equal(t, errors.ErrValidationFailed, errors.CodeOf(err))
		})
	}
}

func TestScriptScanner_ChunkBoundary(t *testing.T) {
	pattern := []byte("<script>")

	// Split the pattern at every possible position around a chunk boundary.
	for split := 1; split < len(pattern); split++ {
		scanner := NewScriptScanner()

		first := make([]byte, ChunkSize)
		copy(first[ChunkSize-split:], pattern[:split])

		assert.Empty(t, scanner.Scan(first), "no match expected in first chunk (split=%d)", split)
		assert.NotEmpty(t, scanner.Scan(pattern[split:]), "pattern split at %d must still match", split)
	}
}

func TestScriptScanner_HeaderMarkersPastStart(t *testing.T) {
	dosStub := []byte("MZ\x90\x00\x03\x00\x00\x00")

	cases := []struct {
		name    string
		payload []byte
		match   bool
	}{
		{"pdf header at start is the format's own", []byte("%PDF-1.7 ......"), false},
		{"pdf header inside content", append([]byte("......"), []byte("%PDF-1.4")...), true},
		{"elf header inside content", append([]byte("......"), []byte("\x7fELF....")...), true},
		{"dos stub inside content", append([]byte("......"), dosStub...), true},
		{"bare mz bytes are not enough", []byte("..MZ..mz.."), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scanner := NewScriptScanner()
			match := scanner.Scan(tc.payload)
			if tc.match {
				assert.NotEmpty(t, match)
			} else {
				assert.Empty(t, match)
			}
		})
	}
}

func TestValidate_PDFPolyglotInsideImage(t *testing.T) {
	payload := append(encodePNG(t, 50, 50), []byte("%PDF-1.4 smuggled")...)

	_, err := Validate(bytes.NewReader(payload), Constraints{MaxBytes: 1 << 20})

	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "embedded_code", appErr.Reason)
}

func TestScriptScanner_CleanStream(t *testing.T) {
	scanner := NewScriptScanner()
	for i := 0; i < 8; i++ {
		chunk := bytes.Repeat([]byte{0xAB}, ChunkSize)
		assert.Empty(t, scanner.Scan(chunk))
	}
}

func TestValidate_DecompressionBomb(t *testing.T) {
	// A large canvas in a tiny file: estimated RGBA footprint vs on-disk
	// size blows past the ratio cap.
	data := encodePNG(t, 2000, 2000)

	_, err := Validate(bytes.NewReader(data), Constraints{
		MaxBytes:              1 << 26,
		AllowedMIME:           []string{"image/png"},
		MaxDecompressionRatio: 10,
	})

	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "decompression_bomb", appErr.Reason)
}

func TestVerifyMagicBytes_UnknownTypePasses(t *testing.T) {
	assert.NoError(t, VerifyMagicBytes([]byte("anything"), "application/zip"))
}
