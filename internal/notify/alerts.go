package notify

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

const failedTitlePrefix = "CLOSE FAILED"

// OpenedAlert renders the title and body for a new managed position.
func OpenedAlert(p domain.ManagedPosition) (string, string) {
	title := fmt.Sprintf("Opened %s %s", strings.ToUpper(string(p.Side)), p.Symbol)
	body := fmt.Sprintf("qty %g @ %.4f\nstop %.4f  target %.4f  trailing %t\nid %s",
		p.Quantity, p.EntryPrice, p.StopLossPrice, p.TakeProfitPrice, p.TrailingStop, p.ID)
	return title, body
}

// ClosedAlert renders a successful close.
func ClosedAlert(p domain.ManagedPosition) (string, string) {
	title := fmt.Sprintf("Closed %s (%s)", p.Symbol, p.ClosedReason)
	var exit float64
	if p.ClosedPrice != nil {
		exit = *p.ClosedPrice
	}
	var realized string
	if p.RealizedPL != nil {
		realized = fmt.Sprintf("%.2f", *p.RealizedPL)
	} else {
		realized = "n/a"
	}
	body := fmt.Sprintf("qty %g entry %.4f exit %.4f\nrealized P&L %s\norder %s\nid %s",
		p.Quantity, p.EntryPrice, exit, realized, p.ExitOrderID, p.ID)
	return title, body
}

// CloseFailedAlert renders a close that left the position in error.
func CloseFailedAlert(p domain.ManagedPosition, cause error) (string, string) {
	title := failedTitlePrefix + " " + p.Symbol
	body := fmt.Sprintf("position %s is now in error and will not be retried automatically\nreason: %v",
		p.ID, cause)
	return title, body
}
