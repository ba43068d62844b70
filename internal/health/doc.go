// Package health provides probes and handlers for the liveness and
// readiness endpoints.
//
// Probes compose with [All] and [Any]. [ShutdownGate] fails readiness as
// soon as a drain starts so load balancers stop routing deploys and page
// requests before the listeners close. [WritableDir] and [Ping] cover the
// content root and the optional history and lock backends.
package health
