// Package config handles configuration loading for coven-appserver.
//
// # Overview
//
// Configuration is loaded from YAML files (or TOML files ending in .toml)
// with environment variable expansion. Load applies defaults and validates.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_APPSERVER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/appserver.yaml
//  3. ~/.config/coven/appserver.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # REST API
//	  grpc_addr: "0.0.0.0:50051"  # grpc.health.v1, optional
//
//	database:
//	  path: "/var/lib/coven/appserver.db"
//
//	web:
//	  conversation_url: "https://app.example.com/conversations/{conversation_id}"
//
//	conversations:
//	  batch_limit: 100
//	  start_timeout: "30s"
//	  agent_server_url: "http://localhost:8000"
//
//	sandbox:
//	  agent_server_image_repository: "ghcr.io/openhands/agent-server"
//	  agent_server_image_tag: "latest-python"
//	  specs:
//	    - id: "default"
//	      command: ["/usr/local/bin/agent-server", "--port", "8000"]
//	      working_dir: "/workspace"
//
//	slack:
//	  api_url: "https://slack.com/api"
//
//	matrix:
//	  homeserver: "https://matrix.org"
//	  user_id: "@coven:matrix.org"
//	  access_token: "${MATRIX_TOKEN}"
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text, json
package config
