package protocol

import "strings"

// Status prefixes of the replies.
const (
	StatusSuccess = "SUCCESS"
	StatusWarning = "WARNING"
	StatusError   = "ERROR"
)

// Discovery datagrams.
const (
	DiscoverRequest  = "DISCOVER_SLAVES"
	DiscoverResponse = "SLAVE_AVAILABLE"
)

// FormatStatus renders a status line such as "WARNING: fragment 2 has 1 replica".
func FormatStatus(kind, msg string) string {
	if msg == "" {
		return kind
	}
	return kind + ": " + msg
}

// ParseStatus splits a status line into its kind and message.
// The kind is empty if the line does not start with a known prefix.
func ParseStatus(line string) (kind, msg string) {
	for _, k := range []string{StatusSuccess, StatusWarning, StatusError} {
		if !strings.HasPrefix(line, k) {
			continue
		}

		rest := line[len(k):]
		rest = strings.TrimPrefix(rest, ":")
		return k, strings.TrimSpace(rest)
	}

	return "", line
}
