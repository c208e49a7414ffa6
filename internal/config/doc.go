// Package config handles configuration loading for weave-gateway.
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults for the
// reconnection and engine timing knobs.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${WEAVE_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	reconnect:
//	  base_delay: "5s"
//	  max_delay: "60s"
//	  ready_timeout: "30s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "/var/lib/weave/gateway.db"
//
//	engine:
//	  state_dir: "/var/lib/weave/engine"
//	  device_name: "weave-gateway"
//	  init_timeout: "2m"
//
//	reconnect:
//	  max_attempts: 5
//	  base_delay: "5s"
//	  max_delay: "60s"
//	  ready_timeout: "30s"
//
//	conversation:
//	  api_key: "${WEAVE_OPENAI_KEY}"
//	  model: "gpt-4o-mini"
//	  send_rate: 1.0
//	  send_burst: 3
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
