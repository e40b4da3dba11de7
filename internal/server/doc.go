// Package server hosts the Fiber HTTP service and its request middleware.
// NewApp attaches panic recovery and request IDs, then sends every path
// outside the /-/ diagnostics prefix to the injected ProxyHandler, which
// turns the request into a fetch event for the lifecycle runtime.
// Diagnostics routes are registered separately by the routes package, so
// keep exports narrow and accept explicit dependencies.
package server
