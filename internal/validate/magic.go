package validate

import (
	"bytes"

	"mediavault/internal/errors"
)

// signature describes the fixed header bytes a format must carry.
type signature struct {
	offset int
	magic  []byte
}

// signaturesByMIME maps detected MIME types to the header bytes that type
// promises. Detection already happened via content sniffing; this is the
// defense-in-depth check that the header was not forged into a polyglot.
var signaturesByMIME = map[string][]signature{
	"image/jpeg": {{0, []byte{0xFF, 0xD8, 0xFF}}},
	"image/png":  {{0, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}}},
	"image/gif":  {{0, []byte("GIF8")}},
	// RIFF container with a WEBP chunk tag at offset 8.
	"image/webp": {{0, []byte("RIFF")}, {8, []byte("WEBP")}},
	// ISO BMFF: "ftyp" box at offset 4, brand at offset 8.
	"image/avif":      {{4, []byte("ftyp")}, {8, []byte("avif")}},
	"image/heic":      {{4, []byte("ftyp")}},
	"application/pdf": {{0, []byte("%PDF")}},
}

// VerifyMagicBytes checks that header matches the signature set for mime.
// Formats without a registered signature pass: the sniffing step already
// established the type and we only hard-verify formats we know the bytes for.
func VerifyMagicBytes(header []byte, mime string) error {
	sigs, ok := signaturesByMIME[mime]
	if !ok {
		return nil
	}

	for _, sig := range sigs {
		end := sig.offset + len(sig.magic)
		if len(header) < end || !bytes.Equal(header[sig.offset:end], sig.magic) {
			return errors.NewReason(errors.ErrValidationFailed, "magic_bytes_mismatch",
				"File header does not match its detected format", nil)
		}
	}
	return nil
}
