// Package integration runs a frontend and a backend relay side by side and
// drives them through their public surfaces: the customer server, the
// document API and the exchange pumps.
//
// `go test` flags supported:
//
//   -debug
//
//    Log at debug level.
//
// Example: go test -v ./integration/... -debug
//
package integration
