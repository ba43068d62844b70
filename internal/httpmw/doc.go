// Package httpmw provides HTTP middleware shared by the public and ops
// listeners.
//
// httpserver composes them outermost first: recover, headers, request ID,
// client IP, OTel, metrics, request logger, access log, then the hostname
// router. Query strings are logged because deploy parameters (commit,
// version, PR id) live there; credentials only ever travel in headers and
// headers are never logged.
package httpmw
