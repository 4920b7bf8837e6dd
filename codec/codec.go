// Package codec converts binary payloads to and from the text-safe
// base64 form carried on the channel.
//
// Both directions work in bounded slices so a multi-megabyte image never
// needs an intermediate buffer beyond the output itself.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// SliceSize is the raw byte count encoded per step. It is a multiple of 3
// so slice outputs concatenate without inner padding.
const SliceSize = 3 * 16 * 1024

// decodeSliceSize is the encoded char count decoded per step (multiple of 4).
const decodeSliceSize = SliceSize / 3 * 4

// DecodeError reports malformed encoded text.
type DecodeError struct {
	// Offset is the position in the encoded text where decoding failed.
	Offset int64
	Msg    string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode at offset %d: %s: %v", e.Offset, e.Msg, e.Err)
	}
	return fmt.Sprintf("decode at offset %d: %s", e.Offset, e.Msg)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError returns true if err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// EncodedLen returns the encoded length for n raw bytes.
func EncodedLen(n int) int {
	return base64.StdEncoding.EncodedLen(n)
}

// Encode returns the standard base64 encoding of data.
func Encode(data []byte) string {
	var b strings.Builder
	b.Grow(EncodedLen(len(data)))

	buf := make([]byte, EncodedLen(min(len(data), SliceSize)))
	for start := 0; start < len(data); start += SliceSize {
		end := min(start+SliceSize, len(data))
		n := EncodedLen(end - start)
		base64.StdEncoding.Encode(buf[:n], data[start:end])
		b.Write(buf[:n])
	}
	return b.String()
}

// Decode reverses Encode. Malformed input yields a *DecodeError.
func Decode(text string) ([]byte, error) {
	// The stdlib decoder skips CR and LF, which would shift every later
	// offset and let a split line decode as something else.
	for i := range len(text) {
		if !isAlphabet(text[i]) {
			return nil, &DecodeError{
				Offset: int64(i),
				Msg:    fmt.Sprintf("invalid character %q", text[i]),
			}
		}
	}
	if len(text)%4 != 0 {
		return nil, &DecodeError{
			Offset: int64(len(text) - len(text)%4),
			Msg:    fmt.Sprintf("length %d is not a multiple of 4", len(text)),
		}
	}
	// Padding is only legal in the final quantum.
	if i := strings.IndexByte(text, '='); i >= 0 && i < len(text)-2 {
		return nil, &DecodeError{Offset: int64(i), Msg: "padding before end of input"}
	}

	out := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	written := 0
	for start := 0; start < len(text); start += decodeSliceSize {
		end := min(start+decodeSliceSize, len(text))
		n, err := base64.StdEncoding.Decode(out[written:], []byte(text[start:end]))
		if err != nil {
			offset := int64(start)
			var corrupt base64.CorruptInputError
			if errors.As(err, &corrupt) {
				offset += int64(corrupt)
			}
			return nil, &DecodeError{Offset: offset, Msg: "invalid base64", Err: err}
		}
		written += n
	}
	return out[:written], nil
}

// isAlphabet reports whether c may appear in standard padded base64.
func isAlphabet(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	}
	return c == '+' || c == '/' || c == '='
}
