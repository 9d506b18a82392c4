// Package httpmiddleware provides net/http middleware shared by the server:
// recovery, CORS, rate limiting, request IDs, logging and instrumentation.
package httpmiddleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Wrap applies middlewares to h. The first middleware is the outermost one,
// so it sees the request first.
func Wrap(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RouteFinder names the route a request targets, for span names, metric
// labels and logs. It returns "" when the route is unknown.
type RouteFinder func(r *http.Request) string

func routeOrPath(find RouteFinder, r *http.Request) string {
	if find != nil {
		if route := find(r); route != "" {
			return route
		}
	}
	return r.URL.Path
}
