package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/algoedge/tickpilot/internal/models"
)

// PaperBroker simulates order execution in memory for paper-trading mode.
// Fills happen instantly at the last quoted price.
type PaperBroker struct {
	mu     sync.Mutex
	quotes map[string]float64 // "EXCHANGE:SYMBOL" -> last price
	book   map[string]*PositionItem
	orders []OrderParams
}

var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker creates an empty paper broker.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		quotes: make(map[string]float64),
		book:   make(map[string]*PositionItem),
	}
}

// SetQuote installs the simulated last price for "EXCHANGE:SYMBOL".
func (p *PaperBroker) SetQuote(instrument string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[strings.ToUpper(instrument)] = price
}

// Connected always reports true; paper mode needs no session.
func (p *PaperBroker) Connected() bool { return true }

// PlaceOrder fills the order instantly and returns a synthetic order ID.
func (p *PaperBroker) PlaceOrder(_ context.Context, params OrderParams) (string, error) {
	if params.Qty <= 0 {
		return "", fmt.Errorf("paper order rejected: qty %d", params.Qty)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	key := params.Exchange + ":" + params.Symbol
	price := p.quotes[strings.ToUpper(key)]

	item, ok := p.book[key]
	if !ok {
		item = &PositionItem{
			Symbol:   params.Symbol,
			Exchange: params.Exchange,
			Product:  kiteProduct(params.Product),
		}
		p.book[key] = item
	}
	delta := params.Qty
	if params.Side == models.SideSell {
		delta = -delta
	}
	item.NetQty += delta
	item.LastPrice = price
	if item.AveragePrice == 0 {
		item.AveragePrice = price
	}

	p.orders = append(p.orders, params)
	return "PAPER-" + uuid.NewString(), nil
}

// Positions returns the simulated net positions book.
func (p *PaperBroker) Positions(_ context.Context) ([]PositionItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PositionItem, 0, len(p.book))
	for _, item := range p.book {
		out = append(out, *item)
	}
	return out, nil
}

// LTP returns installed quotes for the requested instruments.
func (p *PaperBroker) LTP(_ context.Context, instruments ...string) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]float64, len(instruments))
	for _, ins := range instruments {
		if price, ok := p.quotes[strings.ToUpper(ins)]; ok {
			out[ins] = price
		}
	}
	return out, nil
}

// Profile returns a fixed paper profile.
func (p *PaperBroker) Profile(_ context.Context) (*Profile, error) {
	return &Profile{UserID: "PAPER", UserName: "Paper Trading"}, nil
}

// Instruments returns an empty dump; paper mode resolves no tokens.
func (p *PaperBroker) Instruments(_ context.Context, _ string) ([]Instrument, error) {
	return nil, nil
}

// Orders returns all orders placed so far, in placement order.
func (p *PaperBroker) Orders() []OrderParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderParams, len(p.orders))
	copy(out, p.orders)
	return out
}
