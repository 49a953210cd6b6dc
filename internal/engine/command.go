package engine

import (
	"vidar/internal/fixed"
	"vidar/internal/ledger"
	"vidar/internal/order"
)

// CommandKind discriminates the inbound command union.
type CommandKind int8

const (
	CmdSubmit CommandKind = iota
	CmdCancel
	CmdModify
	CmdTick
	// cmdStop wakes the engine loop for shutdown. Internal.
	cmdStop
	// cmdSnapshot serves a market-data read at a command boundary. Internal.
	cmdSnapshot
)

// Command is the fixed inbound record delivered to a symbol engine
// through its MPSC queue. One struct covers the whole union; the gateway
// populates the fields its kind uses.
type Command struct {
	Kind CommandKind

	// Submit fields.
	ClientID     string // caller-supplied UUID, echoed on events
	User         ledger.AccountID
	Side         order.Side
	Type         order.Type
	Qty          fixed.Amount
	LimitPrice   fixed.Amount
	StopPrice    fixed.Amount
	TrailAmount  fixed.Amount
	TrailPercent int64
	DisplayQty   fixed.Amount
	TIF          order.TimeInForce
	Flags        order.Flags
	DeadlineNS   int64

	// Cancel / Modify fields.
	OrderID  uint64
	NewQty   fixed.Amount
	NewPrice fixed.Amount

	// Tick field.
	NowNS int64

	// Snapshot fields. Internal.
	depth    int
	snapResp chan MarketSnapshot
}
