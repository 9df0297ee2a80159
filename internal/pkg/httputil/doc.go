// Package httputil holds the JSON response helpers shared by the
// introspection API handlers.
package httputil
