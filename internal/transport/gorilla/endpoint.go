package gorilla

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint derives the push channel URL from the page the user loaded: same
// host, the given port and path, wss for https pages and ws otherwise.
func Endpoint(pageURL string, port int, path string) (string, error) {
	page, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	if page.Hostname() == "" {
		return "", fmt.Errorf("page url %q has no host", pageURL)
	}
	scheme := "ws"
	if strings.EqualFold(page.Scheme, "https") {
		scheme = "wss"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	out := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(page.Hostname(), strconv.Itoa(port)),
		Path:   path,
	}
	return out.String(), nil
}
