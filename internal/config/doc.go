// Package config loads the JSON runtime configuration of the AgentPay daemon
// and fills in defaults relative to the configuration file location.
package config
