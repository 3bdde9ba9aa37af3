// Package metrics bundles the gateway's Prometheus collectors.
//
// All recording methods are safe on a nil *Metrics, so components can be
// built without metrics in tests. Serve exposes the registry with promhttp on
// a local unix socket; the gateway never opens a network port.
package metrics
