package monitor

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	PathErrors = "/errors"
	PathLogs   = "/logs"
	PathHealth = "/health"
)

// Endpoint represents a parsed collector base URL
type Endpoint struct {
	String string
	Scheme string
	Host   string
	Port   int
	Path   string

	// Computed URLs
	ErrorsURL string
	LogsURL   string
	HealthURL string
}

// ParseEndpoint parses and validates a collector base URL
func ParseEndpoint(raw string) (*Endpoint, error) {
	if raw == "" {
		return nil, fmt.Errorf("endpoint is empty")
	}

	parsedURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("the %q endpoint is invalid: %w", raw, err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("the scheme of the %q endpoint must be either \"http\" or \"https\"", raw)
	}
	if parsedURL.Host == "" {
		return nil, fmt.Errorf("the %q endpoint must contain a host", raw)
	}
	if parsedURL.User != nil {
		return nil, fmt.Errorf("the %q endpoint must not carry credentials, use api_key", raw)
	}

	port := 80
	if parsedURL.Scheme == "https" {
		port = 443
	}
	if parsedURL.Port() != "" {
		if portNum, err := strconv.Atoi(parsedURL.Port()); err == nil {
			port = portNum
		}
	}

	ep := &Endpoint{
		String: raw,
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Hostname(),
		Port:   port,
		Path:   strings.TrimRight(parsedURL.Path, "/"),
	}

	ep.ErrorsURL = ep.URL(PathErrors)
	ep.LogsURL = ep.URL(PathLogs)
	ep.HealthURL = ep.URL(PathHealth)

	return ep, nil
}

// BaseURL returns the normalized base URL without trailing slash
func (e *Endpoint) BaseURL() string {
	u := fmt.Sprintf("%s://%s", e.Scheme, e.Host)
	if strings.Contains(e.Host, ":") {
		u = fmt.Sprintf("%s://[%s]", e.Scheme, e.Host)
	}

	// Add port if non-standard
	if (e.Scheme == "http" && e.Port != 80) || (e.Scheme == "https" && e.Port != 443) {
		u += fmt.Sprintf(":%d", e.Port)
	}

	return u + e.Path
}

// URL joins a collector path onto the base URL
func (e *Endpoint) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return e.BaseURL() + path
}
