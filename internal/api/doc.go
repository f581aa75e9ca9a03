// Package api hosts the HTTP control surface of the orchestrator.
//
// Handlers resolve stream ids through an injected Service (the orchestrator
// facade in production) and shape every response as a JSON object carrying
// "success" and "message" alongside the payload. The package holds no
// process state of its own.
//
// Routing, request ids, request logging, and request metrics are assembled by
// NewRouter on top of chi so route patterns rather than raw paths label the
// metrics.
package api
