package domain

import "time"

// PositionStatus tracks where a managed position is in its lifecycle.
type PositionStatus string

const (
	StatusActive     PositionStatus = "active"
	StatusMonitoring PositionStatus = "monitoring"
	StatusClosed     PositionStatus = "closed"
	StatusError      PositionStatus = "error"
)

// Open reports whether the position is still evaluated by the monitor.
func (s PositionStatus) Open() bool {
	return s == StatusActive || s == StatusMonitoring
}

// Valid reports whether s is a known status.
func (s PositionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusMonitoring, StatusClosed, StatusError:
		return true
	}
	return false
}

// PositionSide is the direction of the underlying holding.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Valid reports whether s is a known side.
func (s PositionSide) Valid() bool {
	return s == SideLong || s == SideShort
}

// EntryOrderSide is the order side that opens a position of this side.
func (s PositionSide) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Close reasons persisted on a closed position.
const (
	ReasonStopLoss   = "stop_loss_triggered"
	ReasonTakeProfit = "take_profit_triggered"
	ReasonManual     = "manual"
)

// ManagedPosition is an open holding with attached stop-loss and
// take-profit rules.
type ManagedPosition struct {
	ID           string       `json:"id"`
	Symbol       string       `json:"symbol"`
	Quantity     float64      `json:"quantity"`
	Side         PositionSide `json:"side"`
	EntryPrice   float64      `json:"entry_price"`
	EntryOrderID string       `json:"entry_order_id,omitempty"`

	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	TrailingStop  bool    `json:"trailing_stop"`

	StopLossPrice   float64 `json:"stop_loss_price"`
	TakeProfitPrice float64 `json:"take_profit_price"`

	Status          PositionStatus `json:"status"`
	CurrentPrice    float64        `json:"current_price"`
	UnrealizedPL    float64        `json:"unrealized_pl"`
	UnrealizedPLPct float64        `json:"unrealized_pl_pct"`

	ClosedPrice  *float64   `json:"closed_price,omitempty"`
	ClosedReason string     `json:"closed_reason,omitempty"`
	ExitOrderID  string     `json:"exit_order_id,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	RealizedPL   *float64   `json:"realized_pl,omitempty"`

	Strategy string `json:"strategy,omitempty"`
	Notes    string `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PositionPatch is a partial update. Nil fields are left unchanged.
type PositionPatch struct {
	Status          *PositionStatus
	CurrentPrice    *float64
	UnrealizedPL    *float64
	UnrealizedPLPct *float64
	StopLossPrice   *float64
	ClosedPrice     *float64
	ClosedReason    *string
	ExitOrderID     *string
	ClosedAt        *time.Time
	RealizedPL      *float64
}

// OnlyRealizedPL reports whether the patch touches nothing but RealizedPL,
// the one field a closed position still accepts.
func (p PositionPatch) OnlyRealizedPL() bool {
	return p.Status == nil && p.CurrentPrice == nil && p.UnrealizedPL == nil &&
		p.UnrealizedPLPct == nil && p.StopLossPrice == nil && p.ClosedPrice == nil &&
		p.ClosedReason == nil && p.ExitOrderID == nil && p.ClosedAt == nil
}

// Apply copies the non-nil fields of p onto pos.
func (p PositionPatch) Apply(pos *ManagedPosition) {
	if p.Status != nil {
		pos.Status = *p.Status
	}
	if p.CurrentPrice != nil {
		pos.CurrentPrice = *p.CurrentPrice
	}
	if p.UnrealizedPL != nil {
		pos.UnrealizedPL = *p.UnrealizedPL
	}
	if p.UnrealizedPLPct != nil {
		pos.UnrealizedPLPct = *p.UnrealizedPLPct
	}
	if p.StopLossPrice != nil {
		pos.StopLossPrice = *p.StopLossPrice
	}
	if p.ClosedPrice != nil {
		v := *p.ClosedPrice
		pos.ClosedPrice = &v
	}
	if p.ClosedReason != nil {
		pos.ClosedReason = *p.ClosedReason
	}
	if p.ExitOrderID != nil {
		pos.ExitOrderID = *p.ExitOrderID
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		pos.ClosedAt = &t
	}
	if p.RealizedPL != nil {
		v := *p.RealizedPL
		pos.RealizedPL = &v
	}
}
