package session

// Status is the externally visible connection status of a session.
type Status string

const (
	StatusConnecting      Status = "Connecting"
	StatusPairingRequired Status = "QR Scan Required"
	StatusConnected       Status = "Connected"
	StatusDisconnected    Status = "Disconnected"
	StatusRemoved         Status = "Removed"

	// StatusInitializing is only reported by Start while another start of the
	// same session is still in flight.
	StatusInitializing Status = "Initializing"
)

func (s Status) String() string {
	return string(s)
}
