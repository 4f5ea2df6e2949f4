package api

import (
	"strconv"
	"strings"

	"github.com/tendant/simple-stream/pkg/simplestream"
)

// ParseRange interprets a Range header against an object of size bytes.
//
// An absent or malformed header yields the whole object with partial=false.
// Only a single "bytes=first-[last]" range is honored; last is clamped to the
// end of the object. A first byte at or past the end of the object returns
// simplestream.ErrRangeNotSatisfiable.
func ParseRange(header string, size int64) (rng simplestream.RangeRequest, partial bool, err error) {
	full := simplestream.RangeRequest{FirstByte: 0, LastByte: size - 1}

	byteRange, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(byteRange, ",") {
		return full, false, nil
	}
	firstStr, lastStr, ok := strings.Cut(byteRange, "-")
	if !ok {
		return full, false, nil
	}

	first, err := strconv.ParseInt(strings.TrimSpace(firstStr), 10, 64)
	if err != nil || first < 0 {
		return full, false, nil
	}
	last := size - 1
	if lastStr = strings.TrimSpace(lastStr); lastStr != "" {
		last, err = strconv.ParseInt(lastStr, 10, 64)
		if err != nil || last < first {
			return full, false, nil
		}
	}

	if first >= size {
		return simplestream.RangeRequest{}, false, simplestream.ErrRangeNotSatisfiable
	}
	if last > size-1 {
		last = size - 1
	}
	return simplestream.RangeRequest{FirstByte: first, LastByte: last}, true, nil
}
