package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"flyn/internal/auth"
)

// newBackendProxy forwards /api/* to the backend with the session's bearer token, so browser code can
// call the backend same-origin without ever holding the token.
func newBackendProxy(baseURL string, logger *slog.Logger) (http.Handler, error) {
	target, err := url.Parse(baseURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", baseURL)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = singleJoiningSlash(target.Path, strings.TrimPrefix(pr.In.URL.Path, "/api"))
			pr.Out.URL.RawPath = ""
			pr.Out.Host = target.Host
			pr.Out.Header.Del("Cookie")
			if session := auth.SessionFromContext(pr.In.Context()); session != nil {
				pr.Out.Header.Set("Authorization", "Bearer "+session.AccessToken)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("backend proxy error", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, "backend unavailable")
		},
	}
	return requireSessionJSON(proxy), nil
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
