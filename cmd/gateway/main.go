// Command gateway runs the resilient chat proxy.
//
// Usage:
//
//	# Start with defaults and environment overrides
//	gateway serve
//
//	# Start with a config file and a different listen address
//	gateway serve --config ./configs/config.yaml --addr :9090
//
//	# Validate configuration without starting
//	gateway check-config --config ./configs/config.yaml
//
//	# Show version information
//	gateway version
package main

func main() {
	Execute()
}
