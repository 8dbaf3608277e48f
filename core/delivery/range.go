package delivery

import (
	"errors"
	"strconv"
	"strings"
)

// ErrRangeNotSatisfiable is returned for ranges starting at or past the end of the content.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// ByteRange is an inclusive byte interval.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes in the range.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRange interprets a single-range Range header against content of total
// bytes. ok is false when the header is absent or malformed, in which case
// the whole content should be served. The end is clamped to total-1.
func ParseRange(header string, total int64) (r ByteRange, ok bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return ByteRange{}, false, nil
	}
	set, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(set, ",") {
		return ByteRange{}, false, nil
	}
	first, last, found := strings.Cut(strings.TrimSpace(set), "-")
	if !found {
		return ByteRange{}, false, nil
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	// bytes=-n: the final n bytes
	if first == "" {
		n, perr := strconv.ParseInt(last, 10, 64)
		if perr != nil || n < 0 {
			return ByteRange{}, false, nil
		}
		if n == 0 || total == 0 {
			return ByteRange{}, false, ErrRangeNotSatisfiable
		}
		if n > total {
			n = total
		}
		return ByteRange{Start: total - n, End: total - 1}, true, nil
	}

	start, perr := strconv.ParseInt(first, 10, 64)
	if perr != nil || start < 0 {
		return ByteRange{}, false, nil
	}
	end := total - 1
	if last != "" {
		end, perr = strconv.ParseInt(last, 10, 64)
		if perr != nil || end < start {
			return ByteRange{}, false, nil
		}
	}
	if start >= total {
		return ByteRange{}, false, ErrRangeNotSatisfiable
	}
	if end > total-1 {
		end = total - 1
	}
	return ByteRange{Start: start, End: end}, true, nil
}
