package ratelimit

import (
	"net/http"
	"strings"
)

// unlimited is returned for routes that are never limited
var unlimited = EndpointConfig{Path: "/health", Method: http.MethodGet}

// MatchEndpoint finds the configuration for a request.
// Exact matches win over subtree matches; among subtree matches the longest path wins.
// Returns nil when the default limit applies.
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	if path == unlimited.Path && method == unlimited.Method {
		cfg := unlimited
		return &cfg
	}

	var best *EndpointConfig
	for i := range configs {
		cfg := &configs[i]
		if cfg.Method != method {
			continue
		}
		if cfg.Path == path {
			return cfg
		}
		if strings.HasSuffix(cfg.Path, "/") && strings.HasPrefix(path, cfg.Path) {
			if best == nil || len(cfg.Path) > len(best.Path) {
				best = cfg
			}
		}
	}
	return best
}
