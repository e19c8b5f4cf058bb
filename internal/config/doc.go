// Package config handles configuration loading for coven-auth.
//
// # Configuration File
//
// Location (in order):
//
//  1. Path given with -config on the command line
//  2. Path from COVEN_AUTH_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/auth.yaml (default ~/.config/coven/auth.yaml)
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	session:
//	  jwt_secret: "${COVEN_AUTH_JWT_SECRET}"
//	oidc:
//	  client_secret: "${COVEN_OIDC_CLIENT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	database:
//	  driver: sqlite
//	  path: ./coven-auth.db
//
//	logging:
//	  level: info
//	  format: text
//
//	policy:
//	  rule: "password AND totp OR passkey OR oidc"
//	  max_result_age: 10m
//
//	totp:
//	  issuer: Coven
//	  digits: 6
//	  period: 30
//	  skew: 1
//
//	webauthn:
//	  base_url: https://auth.example.com
//
//	oidc:
//	  enabled: true
//	  issuer_url: https://accounts.example.com
//	  client_id: coven
//	  client_secret: "${COVEN_OIDC_CLIENT_SECRET}"
//	  redirect_url: https://auth.example.com/oidc/callback
//
//	ceremony:
//	  ttl: 5m
//	  sweep_interval: 1m
//
//	session:
//	  jwt_secret: "${COVEN_AUTH_JWT_SECRET}"
//	  ttl: 12h
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax ("30s", "5m", "12h").
package config
