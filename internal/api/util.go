package api

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
)

func newRequestID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf[:])
}

// parseRange parses a single-range HTTP Range header against the asset
// size and returns the half-open byte range it selects. Multi-range
// requests are rejected.
func parseRange(header string, size int64) (start int64, end int64, ok bool) {
	if !strings.HasPrefix(header, "bytes=") || size < 0 {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return 0, 0, false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	return parseRangeSpec(parts[0], parts[1], size)
}

func parseRangeSpec(startStr, endStr string, size int64) (start int64, end int64, ok bool) {
	if startStr == "" {
		// suffix: -N
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size, size > 0
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	if endStr == "" {
		return start, size, true
	}
	last, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || last < start {
		return 0, 0, false
	}
	if last >= size {
		last = size - 1
	}
	return start, last + 1, true
}

func formatContentRange(start, end, size int64) string {
	return "bytes " + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end-1, 10) + "/" + strconv.FormatInt(size, 10)
}
