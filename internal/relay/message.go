// Package relay is a tiny blob store reachable over WebSocket. Two hosts that
// can both reach the relay, but not each other, use it as the shared medium
// of an Upload-Download or Write-Wait channel.
package relay

// Op identifies a store operation.
type Op string

const (
	OpExists Op = "exists"
	OpDelete Op = "delete"
	OpMove   Op = "move"
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpSize   Op = "size"
)

// request is one JSON message sent by a client. Data is base64 encoded by
// encoding/json.
type request struct {
	ID   uint64 `json:"id"`
	Op   Op     `json:"op"`
	Name string `json:"name"`
	To   string `json:"to,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// response answers the request with the same ID.
type response struct {
	ID       uint64 `json:"id"`
	Exists   bool   `json:"exists,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
	NotExist bool   `json:"notExist,omitempty"` // Error means the name is absent
}
