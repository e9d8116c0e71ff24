package types

import "github.com/grainkit/grainkit/virtual/reqctx"

// HTTPHeaderTimeout is the header used to propagate the caller's remaining deadline to
// the server so it can apply the same timeout to the invocation.
const HTTPHeaderTimeout = "X-Grainkit-Timeout"

// HTTPHeaderMisdirected is set on 421 responses when the server refused the request
// because it does not own the target grain. Its absence means the routing failure was
// returned by the grain itself and the request must not be retried elsewhere.
const HTTPHeaderMisdirected = "X-Grainkit-Misdirected"

// InvokeActorHttpRequest is the body of /api/v1/invoke-actor. It is used by clients that
// want the receiving server to resolve placement on their behalf.
type InvokeActorHttpRequest struct {
	Ref    ActorReference `json:"ref"`
	Method string         `json:"method"`
	// Payload is the []byte payload to provide to the invoked method.
	Payload []byte `json:"payload"`
	// Same data as Payload, but different field so it doesn't have to be encoded as
	// base64.
	PayloadJSON    interface{} `json:"payload_json"`
	RequestContext reqctx.Wire `json:"request_context"`
}

// InvokeActorDirectHttpRequest is the body of /api/v1/invoke-actor-direct. It is sent
// between servers once the caller already knows which server owns the activation.
type InvokeActorDirectHttpRequest struct {
	VersionStamp   int64          `json:"version_stamp"`
	ServerID       string         `json:"server_id"`
	ServerVersion  int64          `json:"server_version"`
	Ref            ActorReference `json:"ref"`
	Method         string         `json:"method"`
	Payload        []byte         `json:"payload"`
	RequestContext reqctx.Wire    `json:"request_context"`
}

// DeactivateActorDirectHttpRequest is the body of /api/v1/deactivate-actor-direct.
type DeactivateActorDirectHttpRequest struct {
	ServerID       string         `json:"server_id"`
	Ref            ActorReference `json:"ref"`
	RequestContext reqctx.Wire    `json:"request_context"`
}
