// Package endpoint resolves where the agentrelay server listens and where
// clients reach it.
package endpoint

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string

	TSNetHostname string
	TSNetPort     int
}

const (
	// HostEnv overrides the endpoint for both server and client.
	HostEnv = "AGENTRELAY_HOST"

	DefaultSystemSocketPath = "/var/run/agentrelay/agentrelay.sock"

	defaultTSNetHostname = "agentrelay"
	defaultTSNetPort     = 7777
)

var endpointStat = os.Stat
var endpointGeteuid = os.Geteuid

func defaultListenEndpoint() Endpoint {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}
	return unixEndpoint(filepath.Join(runtimeDir, "agentrelay", "agentrelay.sock"))
}

func defaultClientEndpoint() Endpoint {
	if endpointGeteuid() == 0 {
		if st, err := endpointStat(DefaultSystemSocketPath); err == nil && !st.IsDir() && st.Mode()&os.ModeSocket != 0 {
			return unixEndpoint(DefaultSystemSocketPath)
		}
	}
	return defaultListenEndpoint()
}

func unixEndpoint(path string) Endpoint {
	return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}
}

func Default() Endpoint {
	return defaultListenEndpoint()
}

// ResolveListen resolves an endpoint for the server. It also accepts
// tsnet://hostname:port.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, true)
}

// Resolve resolves an endpoint for clients.
func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, false)
}

func resolve(raw string, listen bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv(HostEnv))
	}
	if value == "" {
		if listen {
			return defaultListenEndpoint(), nil
		}
		return defaultClientEndpoint(), nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return unixEndpoint(path), nil
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		scheme := "http"
		if strings.HasPrefix(value, "https://") {
			scheme = "https"
		}
		return Endpoint{Scheme: scheme, Address: value, BaseURL: value}, nil
	case strings.HasPrefix(value, "tsnet://"):
		if !listen {
			return Endpoint{}, fmt.Errorf("tsnet endpoint %q can only be used with serve --listen; clients connect with http://<hostname>:<port>", value)
		}
		return resolveTSNet(value)
	case strings.HasPrefix(value, "/"):
		return unixEndpoint(value), nil
	default:
		expected := "unix://, http://, https://, or absolute unix socket path"
		if listen {
			expected = "unix://, http://, https://, tsnet://, or absolute unix socket path"
		}
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected %s)", value, expected)
	}
}

func resolveTSNet(value string) (Endpoint, error) {
	u, err := url.Parse(value)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid tsnet endpoint %q: %w", value, err)
	}
	if u.Path != "" && u.Path != "/" {
		return Endpoint{}, fmt.Errorf("invalid tsnet endpoint %q: paths are not supported", value)
	}

	hostname := u.Hostname()
	if hostname == "" {
		hostname = defaultTSNetHostname
	}
	port := defaultTSNetPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Endpoint{}, fmt.Errorf("invalid tsnet endpoint %q: bad port %q", value, p)
		}
	}

	return Endpoint{
		Scheme:        "tsnet",
		Address:       fmt.Sprintf(":%d", port),
		BaseURL:       fmt.Sprintf("http://%s:%d", hostname, port),
		TSNetHostname: hostname,
		TSNetPort:     port,
	}, nil
}
