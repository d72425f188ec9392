// Package config handles configuration loading for coven-delivery.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends in .toml.
// Every field has a default (see Default), so an empty file is a valid configuration.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_DELIVERY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/delivery.yaml
//  3. ~/.config/coven/delivery.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_DELIVERY_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	delivery:
//	  send_timeout: "5s"
//	  dedupe_ttl: "5m"
//	maintenance:
//	  cleanup_interval: "10m"
//	  error_retention: "1h"
//
// An empty duration disables the related task (dedupe, cleanup, idle sweeps).
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8090"
//	  grpc_addr: "0.0.0.0:8091"
//	delivery:
//	  recovery_queue_size: 100
//	  error_recovery_enabled: true
//	transport:
//	  stream_buffer: 128
//	logging:
//	  level: debug
//	  format: json
package config
