package server

import (
	"net/http"
	"net/url"
	"strings"
)

// BuildEnvironment constructs the CGI-like environment map sent as the
// first frame of a request, applying the construction rules in order:
// method/path/query, fixed REMOTE_ADDR/SERVER_ADDR, Host splitting,
// header upcasing with HTTP_ prefixing, then meta-variable overrides.
func BuildEnvironment(method string, u *url.URL, headers http.Header, meta map[string]string) map[string]string {
	env := map[string]string{
		"REQUEST_METHOD": method,
		"PATH_INFO":      u.Path,
		"QUERY_STRING":   u.RawQuery,
		"SCRIPT_NAME":    "",
		"REMOTE_ADDR":    "0.0.0.0",
		"SERVER_ADDR":    "0.0.0.0",
	}

	if host := headers.Get("Host"); host != "" {
		if idx := strings.IndexByte(host, ':'); idx >= 0 {
			env["SERVER_NAME"] = host[:idx]
			env["SERVER_PORT"] = host[idx+1:]
		}
	}

	for k, vs := range headers {
		key := strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		if key != "CONTENT_TYPE" && key != "CONTENT_LENGTH" {
			key = "HTTP_" + key
		}
		env[key] = strings.Join(vs, ", ")
	}

	for k, v := range meta {
		env[k] = v
	}

	return env
}
