// Package dispatch is the orchestrator's RPC client to remote action servers.
//
// It performs exactly one call per invocation and translates transport and
// HTTP outcomes into a model.ErrorCode. It holds no scheduling state; retry
// and requeue policy belong to the caller.
//
// Outcomes of DispatchAction:
//   - Server name not in the world config → not_available
//   - Transport error or non-200 status → http
//   - Body that is not JSON → http
//   - JSON that does not decode into a valid Action → critical_error
//   - Success → the updated Action echoed by the server, error code none
//
// DispatchAction never retries: a POST that reached the server may have
// started hardware, so it is at-most-once. DispatchPrivate is used for
// idempotent management calls (attach_client, get_status, stop_executor,
// estop) and retries with linear backoff.
//
// CheckEndpointsAvailable issues HEAD requests and classifies each URL as
// available, client_error, server_error, unreachable, cert_failure or timeout.
// A 405 reply means the route exists and counts as available.
package dispatch
