// Package httpserver provides the HTTP server shared by the secagg services.
//
// BaseServer wraps a chi router with request ids, structured request logging,
// panic recovery, per-request timeouts and optional CORS, and adds the
// standard endpoints:
//
//   - /livez: liveness
//   - /readyz: readiness, false while draining
//   - /drain and /undrain: readiness control for load balancers
//   - /version: build version
//   - /debug: pprof, when enabled
//
// Metrics are recorded in a private Prometheus registry and served on a
// separate address when MetricsAddr is set.
//
// Components plug in by implementing RouteRegistrar:
//
//	func (h *MyHandler) RegisterRoutes(r chi.Router) {
//	    r.Get("/resource/{id}", h.handleGet)
//	}
//
//	srv, _ := httpserver.New(cfg, handler)
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
