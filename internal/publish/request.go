package publish

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// requestPrefix marks callback data produced by this package.
const requestPrefix = "pub:"

// ErrMalformedRequest is returned when callback data cannot be parsed.
var ErrMalformedRequest = errors.New("malformed publish request")

// Request is one operator channel selection. Count 0 means every staged
// item at selection time.
type Request struct {
	Channel string
	Count   int
}

// Encode renders r as callback data: "pub:<channel>" or "pub:<channel>:<count>".
func (r Request) Encode() string {
	if r.Count <= 0 {
		return requestPrefix + r.Channel
	}
	return requestPrefix + r.Channel + ":" + strconv.Itoa(r.Count)
}

// IsRequest reports whether data looks like an encoded Request.
func IsRequest(data string) bool {
	return strings.HasPrefix(data, requestPrefix)
}

// ParseRequest decodes callback data produced by Encode.
func ParseRequest(data string) (Request, error) {
	rest, ok := strings.CutPrefix(data, requestPrefix)
	if !ok {
		return Request{}, fmt.Errorf("%w: missing %q prefix", ErrMalformedRequest, requestPrefix)
	}

	channel, countStr, hasCount := strings.Cut(rest, ":")
	if channel == "" {
		return Request{}, fmt.Errorf("%w: empty channel", ErrMalformedRequest)
	}

	req := Request{Channel: channel}
	if hasCount {
		n, err := strconv.Atoi(countStr)
		if err != nil || n <= 0 {
			return Request{}, fmt.Errorf("%w: bad count %q", ErrMalformedRequest, countStr)
		}
		req.Count = n
	}
	return req, nil
}
