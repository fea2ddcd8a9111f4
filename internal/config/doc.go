// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path
// ends in .toml, with environment variable expansion, defaults and
// validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. --config flag
//  2. Path from COVEN_RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/relay.yaml
//  4. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	matrix:
//	  access_token: "${COVEN_MATRIX_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Matrix account and room filtering:
//
//	matrix:
//	  homeserver: "https://matrix.example.org"
//	  user_id: "@coven:example.org"
//	  access_token: "${COVEN_MATRIX_TOKEN}"   # or username + password
//	  recovery_key: "${COVEN_RECOVERY_KEY}"   # enables end-to-end encryption
//	  allowed_rooms: ["!ops:example.org"]
//	  send_rate: 5                            # outbound messages per second
//
// Agent invocation:
//
//	agent:
//	  binary: "claude"
//	  model: "sonnet"
//	  permission_mode: "acceptEdits"
//	  invocation_timeout: "30m"
//
// Turn handling:
//
//	relay:
//	  message_limit: 2000
//	  thread_name_length: 20
//	  require_mention: true
//	  default_working_dir: "/srv/work"
//	  rooms:
//	    - id: "!ops:example.org"
//	      working_dir: "/srv/ops"
//	      batch: false
//
// Storage, admin server and logging:
//
//	database:
//	  path: "/var/lib/coven/relay.db"
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  grpc_addr: "127.0.0.1:50051"
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Duration values use Go's time.ParseDuration syntax.
package config
