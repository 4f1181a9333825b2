package transport

import (
	"net"
	"net/url"
	"strings"

	"github.com/baaaht/gadget/pkg/types"
)

// OriginOf returns the scheme://host[:port] origin of rawURL.
// WebSocket schemes are reported as their HTTP equivalents so that a
// ws:// peer compares equal to the https:// host page that serves it.
func OriginOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", types.WrapError(types.ErrCodeInvalidArgument, "invalid url: "+rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", types.NewError(types.ErrCodeInvalidArgument, "url has no scheme or host: "+rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	switch {
	case port != "":
		host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}
	return scheme + "://" + host, nil
}
