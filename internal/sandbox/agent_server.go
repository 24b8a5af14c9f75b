// ABOUTME: Agent server image and environment resolution
// ABOUTME: LLM_* process variables are forwarded and OH_AGENT_SERVER_ENV overrides them

package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// DefaultAgentServerImage is the pinned image used when no override is configured.
const DefaultAgentServerImage = "ghcr.io/openhands/agent-server:010e847-python"

// Environment variables consulted for the agent server image and env.
const (
	EnvImageRepository = "AGENT_SERVER_IMAGE_REPOSITORY"
	EnvImageTag        = "AGENT_SERVER_IMAGE_TAG"
	EnvAgentServerEnv  = "OH_AGENT_SERVER_ENV"
)

// AgentServerImage returns repository:tag when both are set, otherwise the
// pinned default. Empty arguments fall back to the process environment.
func AgentServerImage(repository, tag string) string {
	if repository == "" && tag == "" {
		repository = os.Getenv(EnvImageRepository)
		tag = os.Getenv(EnvImageTag)
	}
	if repository != "" && tag != "" {
		return repository + ":" + tag
	}
	return DefaultAgentServerImage
}

// AgentServerEnv returns the variables to inject into agent server sandboxes:
// every LLM_* entry of environ, overridden and extended by the JSON object in
// OH_AGENT_SERVER_ENV. environ has the os.Environ() "KEY=value" form.
func AgentServerEnv(environ []string) (map[string]string, error) {
	env := make(map[string]string)
	var overrides string
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if strings.HasPrefix(key, "LLM_") {
			env[key] = value
		}
		if key == EnvAgentServerEnv {
			overrides = value
		}
	}

	if strings.TrimSpace(overrides) != "" {
		var extra map[string]string
		if err := json.Unmarshal([]byte(overrides), &extra); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", EnvAgentServerEnv, err)
		}
		for k, v := range extra {
			env[k] = v
		}
	}
	return env, nil
}
