package oauth

import (
	"net/url"
	"strconv"
	"strings"
)

// itoa converts an int to its decimal string.
func itoa(n int) string {
	return strconv.Itoa(n)
}

// isLoopback checks if a hostname is a loopback address
func isLoopback(hostname string) bool {
	hostname = strings.Trim(hostname, "[]")
	for _, loopback := range LoopbackAddresses {
		if hostname == loopback {
			return true
		}
	}
	return strings.HasPrefix(hostname, "127.")
}

// isSecureURL reports whether u is https.
func isSecureURL(u string) bool {
	parsed, err := url.Parse(u)
	return err == nil && parsed.Scheme == "https"
}
