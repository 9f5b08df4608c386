package keypool

import "fmt"

// ErrorKind classifies a failed backend call.
type ErrorKind int

const (
	KindUnknown   ErrorKind = iota // Anything not matched below
	KindRateLimit                  // Quota exhausted (429, RESOURCE_EXHAUSTED)
	KindAuth                       // Key invalid or revoked
	KindTimeout                    // Call did not complete in time
	KindServer                     // Backend-side failure (5xx)
)

var kindNames = map[ErrorKind]string{
	KindUnknown:   "unknown",
	KindRateLimit: "rate_limit",
	KindAuth:      "auth",
	KindTimeout:   "timeout",
	KindServer:    "server",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ParseErrorKind maps a kind name back to its value. Unrecognised names yield KindUnknown.
func ParseErrorKind(s string) ErrorKind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}
