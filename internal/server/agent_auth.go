package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/me/pbsched/pkg/model"
)

const ctxKeyAgentAuth ctxKey = "agent_auth"

// AgentKeysEnv holds agent keys as JSON: {"key1": ["h1", "h2"], "key2": []}.
const AgentKeysEnv = "PBSCHED_AGENT_KEYS"

// AgentAuthContext holds the authenticated agent for a request.
type AgentAuthContext struct {
	KeyID string   // hash of the key, never the key itself
	Hosts []string // hosts this key may speak for; empty means any
}

// AgentAuthFromContext extracts the AgentAuthContext from request context.
func AgentAuthFromContext(ctx context.Context) *AgentAuthContext {
	if ac, ok := ctx.Value(ctxKeyAgentAuth).(*AgentAuthContext); ok {
		return ac
	}
	return nil
}

// AgentKeyConfig maps agent keys to the hosts they may report for.
type AgentKeyConfig struct {
	Keys map[string]AgentKeyEntry `json:"keys"`
}

// AgentKeyEntry defines the hosts and metadata for an agent key.
type AgentKeyEntry struct {
	Hosts       []string `json:"hosts"`
	Description string   `json:"description,omitempty"`
}

// LoadAgentKeyConfig reads agent keys from a JSON file and then from
// AgentKeysEnv. Unreadable sources are skipped.
func LoadAgentKeyConfig(configFile string) *AgentKeyConfig {
	cfg := &AgentKeyConfig{Keys: make(map[string]AgentKeyEntry)}

	if configFile != "" {
		if data, err := os.ReadFile(configFile); err == nil {
			var fileCfg AgentKeyConfig
			if err := json.Unmarshal(data, &fileCfg); err == nil {
				for k, v := range fileCfg.Keys {
					cfg.Keys[k] = v
				}
			}
		}
	}

	if envVal := os.Getenv(AgentKeysEnv); envVal != "" {
		var envKeys map[string][]string
		if err := json.Unmarshal([]byte(envVal), &envKeys); err == nil {
			for key, hosts := range envKeys {
				cfg.Keys[key] = AgentKeyEntry{Hosts: hosts}
			}
		}
	}
	return cfg
}

// ValidateKey returns the entry for key, or nil if the key is unknown.
func (c *AgentKeyConfig) ValidateKey(key string) *AgentKeyEntry {
	if entry, ok := c.Keys[key]; ok {
		return &entry
	}
	return nil
}

// IsEnabled returns true if any agent keys are configured.
func (c *AgentKeyConfig) IsEnabled() bool {
	return c != nil && len(c.Keys) > 0
}

// CanReportFor checks whether the agent may speak for host.
func (c *AgentAuthContext) CanReportFor(host string) bool {
	if c == nil {
		return false
	}
	if len(c.Hosts) == 0 {
		return true
	}
	return slices.Contains(c.Hosts, host)
}

func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:8])
}

// agentAuthMiddleware validates the X-Agent-Key header on host agent
// endpoints. With no keys configured every caller is accepted.
func agentAuthMiddleware(keyConfig *AgentKeyConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())

			if !keyConfig.IsEnabled() {
				ctx := context.WithValue(r.Context(), ctxKeyAgentAuth, &AgentAuthContext{KeyID: "none"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			key := r.Header.Get("X-Agent-Key")
			if key == "" {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "agent authentication required (X-Agent-Key header missing)",
				})
				return
			}
			entry := keyConfig.ValidateKey(key)
			if entry == nil {
				logger.Warn("invalid agent key", "key_hash", hashKey(key))
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "invalid agent key",
				})
				return
			}

			agent := &AgentAuthContext{KeyID: hashKey(key), Hosts: entry.Hosts}
			if host := chi.URLParam(r, "host"); host != "" && !agent.CanReportFor(host) {
				logger.Warn("agent key not valid for host", "key_hash", agent.KeyID, "host", host)
				respondError(w, reqID, http.StatusForbidden, &model.APIError{
					Code:    model.ErrForbidden,
					Message: "agent key does not allow reporting for host " + host,
				})
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyAgentAuth, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
