// Package client delivers one request to a project daemon and relays its
// response.
//
// Each call opens its own connection, writes the payload, signals end of
// input, and copies the response until the daemon closes the connection.
// While the daemon is not yet listening (refused or missing socket) the call
// is retried on an exponential ladder; every call computes its delays from
// the attempt number, so concurrent calls never share retry state.
package client
