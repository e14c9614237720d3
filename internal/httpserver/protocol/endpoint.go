// Package protocol describes a group of HTTP routes mounted by the server.
package protocol

import "net/http"

// EndpointRoute is one method and path pair.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Endpoint groups related routes under a name used in logs.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
