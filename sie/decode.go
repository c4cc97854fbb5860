package sie

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// =============================================================================
// ENCODING DETECTION - Runs on raw bytes, before any tokenizing
// =============================================================================

// Encoding is the detected text encoding of a SIE file.
type Encoding string

const (
	EncodingUTF8        Encoding = "utf-8"
	EncodingCP437       Encoding = "cp437"        // "PC8", the encoding the format mandates
	EncodingWindows1252 Encoding = "windows-1252" // common in files written by Windows tools
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Swedish letters (å ä ö Å Ä Ö é) in each 8-bit code page.
var (
	cp437Letters  = []byte{0x86, 0x84, 0x94, 0x8F, 0x8E, 0x99, 0x82}
	latin1Letters = []byte{0xE5, 0xE4, 0xF6, 0xC5, 0xC4, 0xD6, 0xE9}
)

// Detect guesses the encoding of raw. Valid UTF-8 (with or without BOM)
// wins. Otherwise the code page whose Swedish letters occur most often is
// chosen; a tie goes to CP437.
func Detect(raw []byte) Encoding {
	if bytes.HasPrefix(raw, utf8BOM) || utf8.Valid(raw) {
		return EncodingUTF8
	}
	var cp437, latin1 int
	for _, b := range raw {
		if bytes.IndexByte(cp437Letters, b) >= 0 {
			cp437++
		}
		if bytes.IndexByte(latin1Letters, b) >= 0 {
			latin1++
		}
	}
	if latin1 > cp437 {
		return EncodingWindows1252
	}
	return EncodingCP437
}

// Decode converts raw to a UTF-8 string using the detected encoding.
func Decode(raw []byte) (string, Encoding, error) {
	enc := Detect(raw)
	switch enc {
	case EncodingUTF8:
		return string(bytes.TrimPrefix(raw, utf8BOM)), enc, nil
	case EncodingWindows1252:
		out, err := charmap.Windows1252.NewDecoder().Bytes(raw)
		if err != nil {
			return "", enc, fmt.Errorf("decode %s: %w", enc, err)
		}
		return string(out), enc, nil
	default:
		out, err := charmap.CodePage437.NewDecoder().Bytes(raw)
		if err != nil {
			return "", enc, fmt.Errorf("decode %s: %w", enc, err)
		}
		return string(out), enc, nil
	}
}
