package hooks

import (
	"errors"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// maxWidePath bounds how far decodeWide scans: the longest path Win32
// accepts with the \\?\ prefix.
const maxWidePath = 32767

// Dispatch outcomes, used as the metric label.
const (
	outcomeRedirected  = "redirected"
	outcomePassthrough = "passthrough"
	outcomeFailOpen    = "failopen"
)

var hookCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wincell",
	Subsystem: "hook",
	Name:      "calls_total",
	Help:      "Intercepted file-open calls by dispatch outcome.",
}, []string{"outcome"})

// Collectors returns the metrics maintained by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{hookCalls}
}

var errEmbeddedNUL = errors.New("path contains a NUL character")

// dispatch decides which path the original entry point receives. It runs
// on arbitrary threads of the target process and never fails: anything it
// cannot decode or re-encode is forwarded unchanged.
func dispatch(reg *Register, name *uint16, logger *logrus.Entry) *uint16 {
	path, ok := decodeWide(name)
	if !ok {
		hookCalls.WithLabelValues(outcomeFailOpen).Inc()
		return name
	}
	if path == "" {
		hookCalls.WithLabelValues(outcomePassthrough).Inc()
		return name
	}

	rewritten, matched := reg.Resolve(path)
	if !matched {
		hookCalls.WithLabelValues(outcomePassthrough).Inc()
		return name
	}

	wide, err := encodeWide(rewritten)
	if err != nil {
		logger.WithError(err).WithField("path", rewritten).Warn("cannot encode redirected path; forwarding original")
		hookCalls.WithLabelValues(outcomeFailOpen).Inc()
		return name
	}

	hookCalls.WithLabelValues(outcomeRedirected).Inc()
	return wide
}

// decodeWide reads a NUL-terminated UTF-16 string. A nil pointer decodes
// to "". Unpaired surrogates and strings longer than maxWidePath report
// false, since decoding them lossily could match the wrong redirect.
func decodeWide(p *uint16) (string, bool) {
	if p == nil {
		return "", true
	}

	n := 0
	for ptr := unsafe.Pointer(p); *(*uint16)(ptr) != 0; ptr = unsafe.Add(ptr, 2) {
		if n == maxWidePath {
			return "", false
		}
		n++
	}

	units := unsafe.Slice(p, n)
	for i := 0; i < len(units); i++ {
		switch u := units[i]; {
		case u >= 0xD800 && u < 0xDC00:
			if i+1 >= len(units) || units[i+1] < 0xDC00 || units[i+1] >= 0xE000 {
				return "", false
			}
			i++
		case u >= 0xDC00 && u < 0xE000:
			return "", false
		}
	}
	return string(utf16.Decode(units)), true
}

// encodeWide returns a NUL-terminated UTF-16 copy of s.
func encodeWide(s string) (*uint16, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, errEmbeddedNUL
	}
	if !utf8.ValidString(s) {
		return nil, errors.New("path is not valid UTF-8")
	}
	units := utf16.Encode([]rune(s))
	units = append(units, 0)
	return &units[0], nil
}
