// Package server is the HTTP front end of the municipal API: health and
// readiness probes, token login and logout, a protected profile endpoint,
// and the Prometheus scrape target.
//
// Handlers authenticate through the session store first and lease a pool
// connection second; pool failures surface as 503 so callers retry.
package server
