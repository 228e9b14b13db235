package types

// Status is the control status returned by every incremental operation.
// The integer values are part of the external contract.
type Status int

const (
	StatusErrorReserved  Status = -1000
	StatusError          Status = -1
	StatusDeclined       Status = 0
	StatusOK             Status = 1
	StatusData           Status = 2
	StatusDataOther      Status = 3
	StatusStop           Status = 4
	StatusDataBuffer     Status = 5
	StatusStatusReserved Status = 6
)

func (s Status) String() string {
	switch s {
	case StatusErrorReserved:
		return "error-reserved"
	case StatusError:
		return "error"
	case StatusDeclined:
		return "declined"
	case StatusOK:
		return "ok"
	case StatusData:
		return "data"
	case StatusDataOther:
		return "data-other"
	case StatusStop:
		return "stop"
	case StatusDataBuffer:
		return "data-buffer"
	case StatusStatusReserved:
		return "status-reserved"
	}
	return "unknown"
}

// Protocol is the HTTP protocol version of a request or response line.
type Protocol int

const (
	ProtocolInvalid Protocol = -2
	ProtocolUnknown Protocol = -1
	Protocol09      Protocol = 9
	Protocol10      Protocol = 100
	Protocol11      Protocol = 101
)

func (p Protocol) String() string {
	switch p {
	case ProtocolInvalid:
		return "invalid"
	case Protocol09:
		return "HTTP/0.9"
	case Protocol10:
		return "HTTP/1.0"
	case Protocol11:
		return "HTTP/1.1"
	}
	return "unknown"
}

// Direction indicates the data flow direction.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "C2S"
	}
	return "S2C"
}
