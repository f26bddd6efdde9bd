package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeResponse renders code+msg, truncating msg so the response never
// exceeds MaxResponseLen bytes.
func EncodeResponse(code Code, msg string) []byte {
	if len(msg) > MaxResponseInfo {
		msg = msg[:MaxResponseInfo]
	}
	out := make([]byte, 0, len(code)+len(msg))
	out = append(out, code...)
	out = append(out, msg...)
	return out
}

// EncodeData renders the DATA response announcing size payload bytes.
func EncodeData(size uint32) []byte {
	return EncodeResponse(CodeData, fmt.Sprintf("%08x", size))
}

// ParseDownloadSize parses the hex length argument of download:.
func ParseDownloadSize(arg string) (uint32, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(arg, "0x"), "0X"))
	if raw == "" {
		return 0, fmt.Errorf("%w: empty download size", ErrInvalidLength)
	}
	n, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLength, arg)
	}
	return uint32(n), nil
}
