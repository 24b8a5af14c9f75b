// Package sandbox resolves the sandbox specs an agent server is launched from.
//
// Specs are read-only at runtime: they are seeded into the store from the
// sandbox.specs configuration section on startup and looked up by the
// conversation start flow. The first spec (in configuration order) is the
// default used when a start request names neither a sandbox nor a spec.
//
// AgentServerImage and AgentServerEnv compute the container image and the
// environment forwarded to agent servers.
package sandbox
