package consts

const (
	SSEEventPrefix = "event: "
	SSEDataPrefix  = "data: "
	SSEHeartbeat   = ": ping\n\n"

	StreamPath      = "/stream"
	ConnectionsPath = "/api/connections"

	IdempotencyHeader = "Idempotency-Key"
	StreamTokenParam  = "token"
)
