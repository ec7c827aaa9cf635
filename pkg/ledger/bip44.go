package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const hardened = 0x80000000

// maxPathDepth is the deepest derivation path the app accepts
const maxPathDepth = 10

var ErrInvalidPath = errors.New("invalid path, should be in the form \"44'/60'/0'/0/0\"")

// ParsePath parses a BIP44 node path string into []uint32. Paths should be in
// the form 44'/60'/0'/0/0, an optional leading "m/" is ignored. The ' suffix
// marks a hardened child.
func ParsePath(pathStr string) ([]uint32, error) {
	pathStr = strings.TrimPrefix(strings.TrimSpace(pathStr), "m/")
	if pathStr == "" {
		return nil, ErrInvalidPath
	}
	arr := strings.Split(pathStr, "/")
	if len(arr) > maxPathDepth {
		return nil, fmt.Errorf("%w: deeper than %d", ErrInvalidPath, maxPathDepth)
	}

	path := make([]uint32, len(arr))
	for i, seg := range arr {
		var base uint32
		if strings.HasSuffix(seg, "'") || strings.HasSuffix(seg, "h") {
			seg = seg[:len(seg)-1]
			base = hardened
		}
		if seg == "" {
			return nil, ErrInvalidPath
		}
		val, err := strconv.ParseUint(seg, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		path[i] = base + uint32(val)
	}
	return path, nil
}

// FormatPath is the inverse of ParsePath
func FormatPath(path []uint32) string {
	parts := make([]string, len(path))
	for i, p := range path {
		if p >= hardened {
			parts[i] = strconv.FormatUint(uint64(p-hardened), 10) + "'"
		} else {
			parts[i] = strconv.FormatUint(uint64(p), 10)
		}
	}
	return strings.Join(parts, "/")
}

// SerializePath encodes a path the way the app expects it: the number of
// elements followed by each element as a big endian uint32
func SerializePath(path []uint32) []byte {
	out := make([]byte, 1, 1+4*len(path))
	out[0] = byte(len(path))
	for _, p := range path {
		out = binary.BigEndian.AppendUint32(out, p)
	}
	return out
}

// DeserializePath decodes a serialized path and returns the remaining bytes
func DeserializePath(b []byte) ([]uint32, []byte, error) {
	if len(b) < 1 {
		return nil, nil, ErrInvalidPath
	}
	n := int(b[0])
	if n == 0 || n > maxPathDepth || len(b) < 1+4*n {
		return nil, nil, ErrInvalidPath
	}
	path := make([]uint32, n)
	for i := range path {
		path[i] = binary.BigEndian.Uint32(b[1+4*i:])
	}
	return path, b[1+4*n:], nil
}
