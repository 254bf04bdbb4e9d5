// Package ledger maintains per-(account, symbol) positions under the
// price-averaging method and records every applied fill as an immutable
// execution. Replayed fills are detected by the (account, order id) unique
// key and leave the ledger untouched.
package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"exchange-core/pkg/db"
	"exchange-core/pkg/exchanges/common"
)

// PnLMethod names the averaging method stamped on every execution record.
const PnLMethod = "price_averaging"

// Apply runs one signed fill through the price-averaging rules and returns
// the resulting quantity, average price and the realized P&L contribution.
//
// qty is the current signed position (positive long, negative short),
// fillQty is the signed fill quantity, price the average fill price.
func Apply(qty, avgPrice, fillQty, price float64) (newQty, newAvg, realized float64) {
	newQty = qty + fillQty

	switch {
	case qty == 0 || sameSign(qty, fillQty):
		// Opening or adding: blend the average, no P&L.
		total := math.Abs(qty) + math.Abs(fillQty)
		newAvg = (math.Abs(qty)*avgPrice + math.Abs(fillQty)*price) / total
		return newQty, newAvg, 0

	case math.Abs(fillQty) <= math.Abs(qty):
		// Reducing without crossing zero: realize on the closed portion,
		// average unchanged.
		closed := math.Abs(fillQty)
		realized = (price - avgPrice) * closed * signOf(qty)
		if newQty == 0 {
			return 0, 0, realized
		}
		return newQty, avgPrice, realized

	default:
		// Crossing zero: close the whole old position, open the remainder
		// at the fill price.
		realized = (price - avgPrice) * math.Abs(qty) * signOf(qty)
		return newQty, price, realized
	}
}

// Book applies fills to the database with per-(account, symbol) locking so
// concurrent reconciliation passes cannot interleave on one position.
type Book struct {
	queries *db.Queries

	mu    sync.Mutex
	locks map[posKey]*sync.Mutex
}

type posKey struct {
	accountID int64
	symbol    string
}

// NewBook creates a ledger book over the database.
func NewBook(queries *db.Queries) *Book {
	return &Book{queries: queries, locks: make(map[posKey]*sync.Mutex)}
}

// ApplyFill records one filled order against the ledger. It returns the
// updated position and whether the fill was newly applied; a fill already
// recorded returns applied == false with the current position and no error.
func (b *Book) ApplyFill(ctx context.Context, accountID int64, order common.Order) (db.Position, bool, error) {
	lock := b.posLock(accountID, order.Symbol)
	lock.Lock()
	defer lock.Unlock()

	exists, err := b.queries.ExecutionExists(ctx, accountID, order.ExchangeOrderID)
	if err != nil {
		return db.Position{}, false, common.WrapError(common.KindPersistence, "", "check execution", err)
	}
	if exists {
		pos, err := b.queries.GetPosition(ctx, accountID, order.Symbol)
		return pos, false, err
	}

	pos, err := b.queries.GetPosition(ctx, accountID, order.Symbol)
	if err != nil {
		return db.Position{}, false, common.WrapError(common.KindPersistence, "", "load position", err)
	}

	fillQty := order.FilledQuantity
	if order.Side == common.SideSell {
		fillQty = -fillQty
	}
	price := order.AvgFillPrice
	if price == 0 {
		price = order.Price
	}

	newQty, newAvg, realized := Apply(pos.Qty, pos.AvgPrice, fillQty, price)

	exec := db.Execution{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		ExchangeOrderID: order.ExchangeOrderID,
		Symbol:          order.Symbol,
		Side:            string(order.Side),
		Quantity:        order.FilledQuantity,
		AvgFillPrice:    price,
		Fees:            order.Fees,
		RealizedPnL:     realized,
		PnLMethod:       PnLMethod,
		ResultingQty:    newQty,
		RawPayload:      string(order.Raw),
		ExecutedAt:      time.UnixMilli(order.UpdatedAt),
	}
	updated := db.Position{
		AccountID:       accountID,
		Symbol:          order.Symbol,
		Qty:             newQty,
		AvgPrice:        newAvg,
		RealizedPnL:     pos.RealizedPnL + realized,
		LastExecutionID: exec.ID,
	}

	if err := b.queries.RecordExecution(ctx, exec, updated); err != nil {
		if errors.Is(err, db.ErrDuplicateExecution) {
			// Lost a race with another applier; the ledger already holds it.
			current, gerr := b.queries.GetPosition(ctx, accountID, order.Symbol)
			return current, false, gerr
		}
		return db.Position{}, false, common.WrapError(common.KindPersistence, "", "record execution", err)
	}
	return updated, true, nil
}

// Positions returns all ledger entries for one account.
func (b *Book) Positions(ctx context.Context, accountID int64) ([]db.Position, error) {
	return b.queries.ListPositionsByAccount(ctx, accountID)
}

// Executions returns the newest execution records for one account.
func (b *Book) Executions(ctx context.Context, accountID int64, limit int) ([]db.Execution, error) {
	return b.queries.ListExecutionsByAccount(ctx, accountID, limit)
}

func (b *Book) posLock(accountID int64, symbol string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := posKey{accountID, symbol}
	lock, ok := b.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[key] = lock
	}
	return lock
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func signOf(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
