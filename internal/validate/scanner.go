package validate

import (
	"bytes"
)

const (
	// ChunkSize bounds per-iteration memory during analysis.
	ChunkSize = 128 * 1024
	// OverlapSize is carried between chunks so a pattern split across a
	// chunk boundary is still matched.
	OverlapSize = 512

	sniffLen = 3072
)

// scriptPatterns are executable-content markers that have no business inside
// an uploaded media file at any position. Matching is case-insensitive, so
// patterns are written in their lowered form.
var scriptPatterns = [][]byte{
	[]byte("<script"),
	[]byte("<!doctype html"),
	[]byte("<?php"),
	[]byte("<?="),
	[]byte("eval("),
	[]byte("base64_decode("),
	[]byte("javascript:"),
	[]byte("vbscript:"),
	[]byte("onerror="),
	[]byte("onload="),
}

// headerMarkers are format signatures that are legitimate at the very start
// of a stream (the MIME checks deal with those) but mark a polyglot when they
// appear anywhere past offset 0: a second file smuggled inside the first.
// The DOS stub is matched in full so two bytes of compressed image data
// cannot trip it.
var headerMarkers = [][]byte{
	[]byte("%pdf-"),
	[]byte("mz\x90\x00\x03\x00\x00\x00"),
	[]byte("\x7felf"),
}

// ScriptScanner finds forbidden patterns across a chunked stream. It keeps a
// fixed-size tail of the previous chunk and prepends it to the next one, so
// a match spanning the boundary cannot be missed.
type ScriptScanner struct {
	overlap []byte
	window  []byte
	offset  int64 // absolute stream position of the next chunk
}

func NewScriptScanner() *ScriptScanner {
	return &ScriptScanner{
		overlap: make([]byte, 0, OverlapSize),
		window:  make([]byte, 0, ChunkSize+OverlapSize),
	}
}

// Scan feeds the next chunk and returns the first matched pattern, or "".
func (s *ScriptScanner) Scan(chunk []byte) string {
	windowStart := s.offset - int64(len(s.overlap))
	s.window = s.window[:0]
	s.window = append(s.window, s.overlap...)
	s.window = append(s.window, chunk...)
	s.offset += int64(len(chunk))

	lowered := bytes.ToLower(s.window)
	for _, pattern := range scriptPatterns {
		if bytes.Contains(lowered, pattern) {
			return string(pattern)
		}
	}

	// Header markers only count past offset 0, so on the first window the
	// search starts one byte in. A marker at position 0 is the file's own
	// header and the MIME allow-list's problem.
	search := lowered
	if windowStart == 0 && len(search) > 0 {
		search = search[1:]
	}
	for _, marker := range headerMarkers {
		if bytes.Contains(search, marker) {
			return string(marker)
		}
	}

	// Keep the last OverlapSize bytes for the next call.
	tail := s.window
	if len(tail) > OverlapSize {
		tail = tail[len(tail)-OverlapSize:]
	}
	s.overlap = append(s.overlap[:0], tail...)
	return ""
}

// Reset clears carried state so the scanner can be reused for a new stream.
func (s *ScriptScanner) Reset() {
	s.overlap = s.overlap[:0]
	s.window = s.window[:0]
	s.offset = 0
}
