// Package provider discovers services at runtime and feeds the
// monitor.
//
// Two providers exist. IngressProvider watches the Ingress objects of a
// kubernetes cluster and probes one HTTP health endpoint per rule host
// and path. FileProvider watches a YAML fleet file and mirrors the
// definitions it lists. Both replace their whole monitor bucket when
// their source changes, so a provider restart never leaks stale
// services.
package provider
