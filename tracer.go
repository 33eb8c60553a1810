package masque

// A Tracer can be used to monitor the progress of a proxied connection.
// H3Socket invokes SentData and ReceivedData when it has a tracer; nothing
// in this package invokes SendDirectionClosed or ReceiveDirectionClosed.
type Tracer struct {
	// SentData is called when data is sent towards the target.
	SentData func(n int)
	// SendDirectionClosed is for when the send direction (towards the target) is closed.
	SendDirectionClosed func()
	// ReceivedData is called when data is received from the target.
	ReceivedData func(n int)
	// ReceiveDirectionClosed is for when the receive direction (from the target) is closed.
	ReceiveDirectionClosed func()
}
