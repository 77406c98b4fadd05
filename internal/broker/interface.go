// Package broker provides trading API clients for executing equity orders.
// It includes the Zerodha Kite Connect client and a paper-trading stand-in.
package broker

import (
	"context"
	"fmt"

	"github.com/algoedge/tickpilot/internal/models"
)

// APIError represents a broker API error with HTTP status and response detail.
type APIError struct {
	Status    int
	ErrorType string
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker API error %d (%s): %s", e.Status, e.ErrorType, e.Message)
}

// OrderParams describes a market order. Product is the engine-level product;
// clients map it to their own codes.
type OrderParams struct {
	Exchange string
	Symbol   string
	Side     models.Side
	Qty      int
	Product  models.Product
	Tag      string
}

// PositionItem is one row of the broker's net positions book.
type PositionItem struct {
	Symbol       string  `json:"tradingsymbol"`
	Exchange     string  `json:"exchange"`
	Product      string  `json:"product"`
	NetQty       int     `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	LastPrice    float64 `json:"last_price"`
	PnL          float64 `json:"pnl"`
}

// Profile is the authenticated user's broker profile.
type Profile struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Email    string `json:"email"`
}

// Instrument is one row of the broker's instrument dump.
type Instrument struct {
	Token          int64
	Symbol         string
	Name           string
	Exchange       string
	Segment        string
	InstrumentType string
}

// Broker defines the interface for interacting with a brokerage.
type Broker interface {
	// Connected reports whether the client holds a usable session.
	Connected() bool

	// Order placement.
	PlaceOrder(ctx context.Context, p OrderParams) (orderID string, err error)

	// Account and market data.
	Positions(ctx context.Context) ([]PositionItem, error)
	LTP(ctx context.Context, instruments ...string) (map[string]float64, error)
	Profile(ctx context.Context) (*Profile, error)
	Instruments(ctx context.Context, exchange string) ([]Instrument, error)
}

// kiteProduct maps the engine product to the Kite product code.
func kiteProduct(p models.Product) string {
	if p == models.ProductDelivery {
		return "CNC"
	}
	return "MIS"
}
