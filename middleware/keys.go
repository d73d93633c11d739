package middleware

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/yourusername/quotafence/core"
)

// ErrKeyExtractionFailed is returned when no bucket key can be derived from a
// request.
var ErrKeyExtractionFailed = errors.New("failed to extract key from request")

// KeyFunc extracts the bucket key from the request.
type KeyFunc func(*http.Request) (string, error)

// Param uses a chi URL parameter, e.g. Param("key") on "/proxy/{key}/*".
func Param(name string) KeyFunc {
	return func(r *http.Request) (string, error) {
		value := chi.URLParam(r, name)
		if value == "" {
			return "", fmt.Errorf("%w: url parameter %s is empty", ErrKeyExtractionFailed, name)
		}
		return value, nil
	}
}

// Header uses a specific HTTP header.
// Example: Header("X-Upstream") keys on the X-Upstream header value.
func Header(headerName string) KeyFunc {
	return func(r *http.Request) (string, error) {
		value := r.Header.Get(headerName)
		if value == "" {
			return "", fmt.Errorf("%w: header %s not found or empty", ErrKeyExtractionFailed, headerName)
		}
		return value, nil
	}
}

// IP uses the client's IP address, honoring X-Forwarded-For and X-Real-IP
// before RemoteAddr.
func IP() KeyFunc {
	return func(r *http.Request) (string, error) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// The first entry is the original client
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return "ip:" + ip, nil
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return "ip:" + xri, nil
		}

		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if ip == "" {
			return "", fmt.Errorf("%w: empty IP address", ErrKeyExtractionFailed)
		}
		return "ip:" + ip, nil
	}
}

// Static always returns the same key, so every request shares one bucket.
func Static(key string) KeyFunc {
	return func(*http.Request) (string, error) {
		if key == "" {
			return "", fmt.Errorf("%w: static key is empty", ErrKeyExtractionFailed)
		}
		return key, nil
	}
}

// Composite tries each KeyFunc in order and returns the first key found.
//
// Example:
//
//	keyFunc := Composite(
//	    Header("X-Upstream"),
//	    Param("key"), // Fallback to the route
//	)
func Composite(funcs ...KeyFunc) KeyFunc {
	return func(r *http.Request) (string, error) {
		var lastErr error
		for _, fn := range funcs {
			key, err := fn(r)
			if err == nil && key != "" {
				return key, nil
			}
			lastErr = err
		}
		if lastErr != nil {
			return "", fmt.Errorf("%w: all extractors failed: %v", ErrKeyExtractionFailed, lastErr)
		}
		return "", fmt.Errorf("%w: no extractors provided", ErrKeyExtractionFailed)
	}
}

// ParseKeyFunc creates a KeyFunc from a configuration string.
// Supported formats:
//   - "param:key" -> Param("key")
//   - "header:X-Upstream" -> Header("X-Upstream")
//   - "ip" -> IP()
//   - "static:global" -> Static("global")
func ParseKeyFunc(config string) (KeyFunc, error) {
	kind, arg, hasArg := strings.Cut(config, ":")

	switch kind {
	case "param":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("%w: param extractor requires format 'param:name'", core.ErrInvalidArgument)
		}
		return Param(arg), nil
	case "header":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("%w: header extractor requires format 'header:HeaderName'", core.ErrInvalidArgument)
		}
		return Header(arg), nil
	case "ip":
		return IP(), nil
	case "static":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("%w: static extractor requires format 'static:key'", core.ErrInvalidArgument)
		}
		return Static(arg), nil
	default:
		return nil, fmt.Errorf("%w: unknown key extractor type: %s", core.ErrInvalidArgument, kind)
	}
}
