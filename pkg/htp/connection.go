package htp

import (
	"time"

	"github.com/burpheart/httpsift/pkg/types"
)

// StreamState is the state of one direction of a connection.
type StreamState int

const (
	StreamNew StreamState = iota
	StreamOpen
	StreamClosed
	StreamError
	StreamTunnel
	StreamDataOther
	StreamStop
	StreamData
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamClosed:
		return "closed"
	case StreamError:
		return "error"
	case StreamTunnel:
		return "tunnel"
	case StreamDataOther:
		return "data-other"
	case StreamStop:
		return "stop"
	case StreamData:
		return "data"
	}
	return "new"
}

// MarshalText renders the state name in JSON output.
func (s StreamState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Connection is one client/server byte stream pair and the transactions
// parsed from it.
type Connection struct {
	ClientAddr string    `json:"client_addr,omitempty"`
	ClientPort int       `json:"client_port,omitempty"`
	ServerAddr string    `json:"server_addr,omitempty"`
	ServerPort int       `json:"server_port,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at,omitempty"`

	RequestState  StreamState `json:"request_state"`
	ResponseState StreamState `json:"response_state"`
	InBytes       int64       `json:"in_bytes"`
	OutBytes      int64       `json:"out_bytes"`
	Flags         types.Flags `json:"flags"`

	txs      []*Transaction
	messages []*LogEntry
}

// Transactions returns the transactions in creation order.
func (c *Connection) Transactions() []*Transaction {
	out := make([]*Transaction, len(c.txs))
	copy(out, c.txs)
	return out
}

// Transaction returns the transaction at index i, or nil.
func (c *Connection) Transaction(i int) *Transaction {
	if i < 0 || i >= len(c.txs) {
		return nil
	}
	return c.txs[i]
}

// Messages returns the diagnostics recorded so far.
func (c *Connection) Messages() []*LogEntry {
	out := make([]*LogEntry, len(c.messages))
	copy(out, c.messages)
	return out
}

// IsClosed reports whether Close was called.
func (c *Connection) IsClosed() bool {
	return !c.ClosedAt.IsZero()
}
