// Package tester runs single-symbol portfolio backtests for the optimizer.
package tester

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/asirikuy/framework/pkg/optimizer"
	"github.com/asirikuy/framework/pkg/rates"
)

// ============================================================================
// DATA STRUCTURES
// ============================================================================

// Side is the direction of a position.
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	if s == Short {
		return "SHORT"
	}
	return "LONG"
}

func (s Side) sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// Position is the single open position of a test.
type Position struct {
	Side       Side    `json:"side"`
	OpenTime   int64   `json:"open_time"`
	OpenPrice  float64 `json:"open_price"`
	Lots       float64 `json:"lots"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// Trade is a closed position.
type Trade struct {
	Side       Side    `json:"side"`
	OpenTime   int64   `json:"open_time"`
	CloseTime  int64   `json:"close_time"`
	OpenPrice  float64 `json:"open_price"`
	ClosePrice float64 `json:"close_price"`
	Lots       float64 `json:"lots"`
	Profit     float64 `json:"profit"`
	Balance    float64 `json:"balance"`
}

// BalancePoint is the account balance after a closed trade, or at the start of the test.
type BalancePoint struct {
	Time    int64
	Balance float64
	Profit  float64
}

// Action is what a strategy asks for on a bar close.
type Action int

const (
	Hold Action = iota
	Buy
	Sell
	CloseAll
)

// Signal is a strategy decision. StopDistance and TakeDistance are price distances; zero disables them.
type Signal struct {
	Action       Action
	StopDistance float64
	TakeDistance float64
}

// ============================================================================
// ENGINE
// ============================================================================

const defaultContractSize = 100000

// Engine simulates one account trading one symbol, bar by bar.
type Engine struct {
	InitialBalance      float64
	Balance             float64
	Spread              float64
	ContractSize        float64
	MinLotSize          float64
	RiskPercent         float64
	DisableCompounding  bool
	Position            *Position
	Trades              []Trade
	Balances            []BalancePoint
	NumLongs, NumShorts int
	TotalDuration       float64

	logger zerolog.Logger
}

// NewEngine creates an engine for a test input.
func NewEngine(in *optimizer.TestInput, logger zerolog.Logger) *Engine {
	contract := in.AccountInfo.ContractSize
	if contract <= 0 {
		contract = defaultContractSize
	}
	minLot := in.MinLotSize
	if minLot <= 0 {
		minLot = 0.01
	}
	return &Engine{
		InitialBalance:     in.AccountInfo.Balance,
		Balance:            in.AccountInfo.Balance,
		Spread:             in.TestSettings.Spread,
		ContractSize:       contract,
		MinLotSize:         minLot,
		RiskPercent:        in.Settings[optimizer.SettingAccountRiskPercent],
		DisableCompounding: in.Settings[optimizer.SettingDisableCompounding] != 0,
		logger:             logger,
	}
}

// Start records the opening balance.
func (e *Engine) Start(t int64) {
	e.Balances = append(e.Balances, BalancePoint{Time: t, Balance: e.Balance})
}

// CheckStops closes the open position if the bar touched its stop loss or take profit.
// The stop is checked first when both are inside the bar.
func (e *Engine) CheckStops(bar rates.Bar) {
	p := e.Position
	if p == nil {
		return
	}
	switch p.Side {
	case Long:
		if p.StopLoss > 0 && bar.Low <= p.StopLoss {
			e.Close(bar.Time, p.StopLoss)
		} else if p.TakeProfit > 0 && bar.High >= p.TakeProfit {
			e.Close(bar.Time, p.TakeProfit)
		}
	case Short:
		if p.StopLoss > 0 && bar.High+e.Spread >= p.StopLoss {
			e.Close(bar.Time, p.StopLoss)
		} else if p.TakeProfit > 0 && bar.Low+e.Spread <= p.TakeProfit {
			e.Close(bar.Time, p.TakeProfit)
		}
	}
}

// Apply executes a signal at the bar close. Bid is the close, ask is close plus spread.
func (e *Engine) Apply(bar rates.Bar, sig Signal) {
	bid, ask := bar.Close, bar.Close+e.Spread
	switch sig.Action {
	case Buy:
		if e.Position != nil && e.Position.Side == Long {
			return
		}
		e.closeAt(bar.Time, bid, ask)
		e.open(Long, bar.Time, ask, sig)
	case Sell:
		if e.Position != nil && e.Position.Side == Short {
			return
		}
		e.closeAt(bar.Time, bid, ask)
		e.open(Short, bar.Time, bid, sig)
	case CloseAll:
		e.closeAt(bar.Time, bid, ask)
	}
}

// Finish closes any open position on the last bar.
func (e *Engine) Finish(bar rates.Bar) {
	e.closeAt(bar.Time, bar.Close, bar.Close+e.Spread)
}

func (e *Engine) closeAt(t int64, bid, ask float64) {
	if e.Position == nil {
		return
	}
	if e.Position.Side == Long {
		e.Close(t, bid)
	} else {
		e.Close(t, ask)
	}
}

func (e *Engine) open(side Side, t int64, price float64, sig Signal) {
	lots := e.lotSize(sig.StopDistance)
	p := &Position{Side: side, OpenTime: t, OpenPrice: price, Lots: lots}
	if sig.StopDistance > 0 {
		p.StopLoss = price - side.sign()*sig.StopDistance
	}
	if sig.TakeDistance > 0 {
		p.TakeProfit = price + side.sign()*sig.TakeDistance
	}
	e.Position = p
	if side == Long {
		e.NumLongs++
	} else {
		e.NumShorts++
	}

	e.logger.Debug().
		Str("side", side.String()).
		Int64("time", t).
		Float64("price", price).
		Float64("lots", lots).
		Msg("Opened position")
}

// Close closes the open position at price.
func (e *Engine) Close(t int64, price float64) {
	p := e.Position
	if p == nil {
		return
	}
	profit := p.Side.sign() * (price - p.OpenPrice) * p.Lots * e.ContractSize
	e.Balance += profit
	e.TotalDuration += float64(t - p.OpenTime)

	e.Trades = append(e.Trades, Trade{
		Side:       p.Side,
		OpenTime:   p.OpenTime,
		CloseTime:  t,
		OpenPrice:  p.OpenPrice,
		ClosePrice: price,
		Lots:       p.Lots,
		Profit:     profit,
		Balance:    e.Balance,
	})
	e.Balances = append(e.Balances, BalancePoint{Time: t, Balance: e.Balance, Profit: profit})
	e.Position = nil

	e.logger.Debug().
		Str("side", p.Side.String()).
		Int64("time", t).
		Float64("price", price).
		Float64("profit", profit).
		Float64("balance", e.Balance).
		Msg("Closed position")
}

// lotSize risks RiskPercent of the balance (or of the initial balance without compounding)
// over the stop distance, rounded down to the minimum lot.
func (e *Engine) lotSize(stopDistance float64) float64 {
	if stopDistance <= 0 || e.RiskPercent <= 0 {
		return e.MinLotSize
	}
	base := e.Balance
	if e.DisableCompounding {
		base = e.InitialBalance
	}
	lots := base * e.RiskPercent / 100 / (stopDistance * e.ContractSize)
	lots = math.Floor(lots/e.MinLotSize) * e.MinLotSize
	return math.Max(lots, e.MinLotSize)
}
