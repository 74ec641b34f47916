package streamhub

import "encoding/json"

// Client message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
)

// Server message types.
const (
	MsgConnected     = "connected"
	MsgAuthenticated = "authenticated"
	MsgQuote         = "quote"
	MsgError         = "error"
	MsgDisconnected  = "disconnected"
	MsgPong          = "pong"
)

// ClientMessage is what a downstream browser client sends.
type ClientMessage struct {
	Type     string   `json:"type"`
	Symbols  []string `json:"symbols,omitempty"`
	Identity string   `json:"identity,omitempty"`
}

// ServerMessage is what the multiplexer sends downstream.
type ServerMessage struct {
	Type     string          `json:"type"`
	ClientID string          `json:"client_id,omitempty"`
	Identity string          `json:"identity,omitempty"`
	Symbols  []string        `json:"symbols,omitempty"`
	Symbol   string          `json:"symbol,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
}
