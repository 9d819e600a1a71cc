// Package config provides configuration loading and validation for the audio
// archive service. It handles YAML-based configuration with struct validation
// covering the ingestion server, the PCM wire contract, storage layout,
// deferred compression, and the browsing API.
package config
