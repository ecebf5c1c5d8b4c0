// Package daemon serves token maps over a unix socket for one project.
//
// A Server owns its socket address exclusively: startup refuses to touch an
// existing socket file, an flock beside the scratch directory guards against
// racing launches, and Close removes the socket file again. Each connection
// carries exactly one request. Hits are answered from the cache store; misses
// resolve configuration, run the transform pipeline, and persist the result.
//
// Request-level failures never stop the server. They are written to the error
// stream and the connection is closed with an empty body.
package daemon
