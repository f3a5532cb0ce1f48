package transport

import "time"

// Result is the outcome of one routed send. Exactly one of the delivered,
// queued, or failed states holds; the constructors below are the only way
// router code builds one.
type Result struct {
	OK         bool
	StatusCode int
	Response   []byte
	// Transport is the id of the channel that delivered the message.
	Transport string
	Latency   time.Duration

	// Queued is true only when no transport attempt happened and the
	// message was accepted into the store-and-forward queue.
	Queued bool

	Err string
	// LastTransport is the id of the last channel attempted before the
	// failure, when any attempt happened at all.
	LastTransport string
}

func Delivered(transportID string, statusCode int, response []byte, latency time.Duration) *Result {
	return &Result{
		OK:         true,
		StatusCode: statusCode,
		Response:   response,
		Transport:  transportID,
		Latency:    latency,
	}
}

func Queued() *Result {
	return &Result{Queued: true}
}

func Failed(errText, lastTransport string) *Result {
	return &Result{Err: errText, LastTransport: lastTransport}
}
