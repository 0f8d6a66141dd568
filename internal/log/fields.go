package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldClientIP  = "client_ip"
	FieldLatency   = "latency_ms"

	// Domain
	FieldRoomID     = "room_id"
	FieldEndpointID = "endpoint_id"
	FieldPID        = "pid"

	// Service
	FieldService = "service"
)
