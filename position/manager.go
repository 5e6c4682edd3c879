package position

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"dcabot/exchange"
	"dcabot/safety"
)

// ErrInvalidInput 决策输入不完整（价格、均线或余额无效）
var ErrInvalidInput = errors.New("决策输入无效")

// Action 单次决策的结果
type Action string

const (
	ActionOpen   Action = "OPEN"
	ActionAdd    Action = "ADD"
	ActionReduce Action = "REDUCE"
	ActionClose  Action = "CLOSE"
	ActionHold   Action = "HOLD"
	ActionSkip   Action = "SKIP" // 未通过前置过滤，本周期不评估
)

// State 持仓状态
type State string

const (
	StateNoPosition State = "NO_POSITION"
	StateSafe       State = "POSITION_SAFE"
	StateAtRisk     State = "POSITION_AT_RISK"
	StateProfitable State = "POSITION_PROFITABLE"
)

// Params 策略参数，构造后不再修改
type Params struct {
	Leverage            int     `json:"leverage"`
	BuyUntilLimit       float64 `json:"buy_until_limit"`       // 占用保证金/余额 的常规加仓上限
	ProfitThreshold     float64 `json:"profit_threshold"`      // 浮盈/余额 的止盈门槛
	ProfitPnl           float64 `json:"profit_pnl"`            // 全部平仓的浮盈比例目标（相对保证金）
	ProportionOfBalance float64 `json:"proportion_of_balance"` // 开仓使用的余额比例
	MaxMarginPct        float64 `json:"max_margin_pct"`        // 0 表示不启用
	AutomaticMode       bool    `json:"automatic_mode"`
	MarginLevelCritical float64 `json:"margin_level_critical"` // 低于此值无条件加仓
}

// DefaultParams 默认参数
func DefaultParams() Params {
	return Params{
		Leverage:            10,
		BuyUntilLimit:       0.02,
		ProfitThreshold:     0.003,
		ProfitPnl:           0.1,
		ProportionOfBalance: 0.006,
		AutomaticMode:       true,
		MarginLevelCritical: 2.0,
	}
}

// Validate 校验参数
func (p Params) Validate() error {
	if p.Leverage <= 0 {
		return fmt.Errorf("杠杆必须大于0: %d", p.Leverage)
	}
	if p.BuyUntilLimit <= 0 {
		return fmt.Errorf("buy_until_limit 必须大于0: %v", p.BuyUntilLimit)
	}
	if p.ProportionOfBalance <= 0 || p.ProportionOfBalance > 1 {
		return fmt.Errorf("proportion_of_balance 必须在 (0,1] 之间: %v", p.ProportionOfBalance)
	}
	if p.MaxMarginPct < 0 {
		return fmt.Errorf("max_margin_pct 不能为负: %v", p.MaxMarginPct)
	}
	if p.MarginLevelCritical <= 0 {
		return fmt.Errorf("margin_level_critical 必须大于0: %v", p.MarginLevelCritical)
	}
	return nil
}

// Input 单个周期的决策输入快照
type Input struct {
	Symbol     string              `json:"symbol"`
	Side       exchange.PosSide    `json:"side"`
	Position   *exchange.Position  `json:"position"` // nil 表示无持仓
	Price      float64             `json:"price"`
	EMAFast    float64             `json:"ema_fast"` // EMA50
	EMASlow    float64             `json:"ema_slow"` // EMA200
	DipEMA     float64             `json:"dip_ema"`  // 1 小时 EMA100
	Gate       safety.Assessment   `json:"gate"`
	Balance    float64             `json:"balance"`
	Instrument exchange.Instrument `json:"instrument"`
}

// OrderIntent 决策产生的下单意图
type OrderIntent struct {
	Side       exchange.Side    `json:"side"`
	PosSide    exchange.PosSide `json:"pos_side"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      float64          `json:"price"`
	ReduceOnly bool             `json:"reduce_only"`
	Reason     string           `json:"reason"`
}

// Decision 决策结果
type Decision struct {
	Action Action       `json:"action"`
	State  State        `json:"state"`
	Reason string       `json:"reason"`
	Intent *OrderIntent `json:"intent,omitempty"`
}

func (in Input) validate() error {
	switch {
	case in.Side != exchange.Long && in.Side != exchange.Short:
		return fmt.Errorf("%w: 持仓方向 %q", ErrInvalidInput, in.Side)
	case !positive(in.Price):
		return fmt.Errorf("%w: 价格 %v", ErrInvalidInput, in.Price)
	case !positive(in.EMAFast) || !positive(in.EMASlow) || !positive(in.DipEMA):
		return fmt.Errorf("%w: 均线 ema50=%v ema200=%v dip=%v", ErrInvalidInput, in.EMAFast, in.EMASlow, in.DipEMA)
	case !positive(in.Balance):
		return fmt.Errorf("%w: 余额 %v", ErrInvalidInput, in.Balance)
	}
	return nil
}

func positive(x float64) bool {
	return x > 0 && !math.IsNaN(x) && !math.IsInf(x, 0)
}

func hasPosition(p *exchange.Position) bool {
	return p != nil && p.Size.IsPositive()
}

// exposure 占用保证金 / 余额
func exposure(in Input) float64 {
	if !hasPosition(in.Position) {
		return 0
	}
	return in.Position.MarginUsed / in.Balance
}

// favorable 价格是否位于 ema 的有利一侧（多头在上方，空头在下方）
func favorable(side exchange.PosSide, price, ema float64) bool {
	if side == exchange.Short {
		return price < ema
	}
	return price > ema
}

// Classify 判断持仓状态
func Classify(in Input, p Params) State {
	if !hasPosition(in.Position) {
		return StateNoPosition
	}
	if in.Position.UnrealizedPnl/in.Balance > p.ProfitThreshold && exposure(in) >= p.BuyUntilLimit {
		return StateProfitable
	}
	if in.Position.MarginLevel < p.MarginLevelCritical {
		return StateAtRisk
	}
	return StateSafe
}

// IsValidPosition 前置过滤：保证金率告急，或价格位于 EMA200 有利一侧时才进入决策
func IsValidPosition(in Input, p Params) bool {
	if hasPosition(in.Position) && in.Position.MarginLevel < p.MarginLevelCritical {
		return true
	}
	return favorable(in.Side, in.Price, in.EMASlow)
}

// Decide 根据快照给出唯一决策。纯函数：相同输入必然得到相同输出。
func Decide(in Input, p Params) (Decision, error) {
	if err := in.validate(); err != nil {
		return Decision{}, err
	}
	state := Classify(in, p)

	if !IsValidPosition(in, p) {
		return Decision{
			Action: ActionSkip,
			State:  state,
			Reason: fmt.Sprintf("价格位于 EMA200 不利一侧 (price=%.4f ema200=%.4f)", in.Price, in.EMASlow),
		}, nil
	}

	if state == StateNoPosition {
		return decideOpen(in, p, state), nil
	}
	if state == StateProfitable {
		return decideTakeProfit(in, p, state), nil
	}
	return decideAdd(in, p, state), nil
}

func decideTakeProfit(in Input, p Params, state State) Decision {
	pos := in.Position
	sizePct := exposure(in) * 100

	switch {
	case sizePct > 10:
		return reduce(in, state, decimal.NewFromFloat(0.5), "仓位占比 > 10%，平仓 50%")
	case sizePct > 7.5:
		return reduce(in, state, decimal.NewFromFloat(0.33), "仓位占比 > 7.5%，平仓 33%")
	case pos.PnlPct() > p.ProfitPnl:
		return closeAll(in, state, "达到目标收益，全部平仓")
	}
	return Decision{Action: ActionHold, State: state, Reason: "盈利中，未达到止盈条件"}
}

func reduce(in Input, state State, fraction decimal.Decimal, reason string) Decision {
	pos := in.Position
	qty := QuantizeFor(pos.Size.Mul(fraction), in.Instrument)
	if !qty.IsPositive() || qty.GreaterThanOrEqual(pos.Size) {
		return closeAll(in, state, reason)
	}
	return partialClose(in, state, qty, reason)
}

func partialClose(in Input, state State, qty decimal.Decimal, reason string) Decision {
	return Decision{
		Action: ActionReduce,
		State:  state,
		Reason: reason,
		Intent: &OrderIntent{
			Side:       in.Side.CloseSide(),
			PosSide:    in.Side,
			Quantity:   qty,
			Price:      in.Price,
			ReduceOnly: true,
			Reason:     reason,
		},
	}
}

// closeAll 全部平仓。持仓超过单笔 maxQty 时本轮只平 maxQty，剩余部分留给后续周期
func closeAll(in Input, state State, reason string) Decision {
	if maxQty := in.Instrument.MaxQty; maxQty.IsPositive() && in.Position.Size.GreaterThan(maxQty) {
		return partialClose(in, state, maxQty, reason+fmt.Sprintf("（超过单笔上限 %s，分批平仓）", maxQty))
	}
	return Decision{
		Action: ActionClose,
		State:  state,
		Reason: reason,
		Intent: &OrderIntent{
			Side:       in.Side.CloseSide(),
			PosSide:    in.Side,
			Quantity:   in.Position.Size,
			Price:      in.Price,
			ReduceOnly: true,
			Reason:     reason,
		},
	}
}

// shouldAdd 加仓条件：保证金率告急时无条件加仓；否则必须不是危险下跌，
// 并且（缓慢下跌且仓位低于 1.5 倍上限）或（非高波动且（仓位低于上限或（浮亏超过 5% 且价格在 EMA50 有利一侧）））。
func shouldAdd(in Input, p Params) bool {
	pos := in.Position
	if pos.MarginLevel < p.MarginLevelCritical {
		return true
	}
	decline := in.Gate.Decline
	if decline.Dangerous() {
		return false
	}
	exp := exposure(in)
	if decline.Safe() && exp < 1.5*p.BuyUntilLimit {
		return true
	}
	if in.Gate.Volatility.IsHighVolatility {
		return false
	}
	if exp < p.BuyUntilLimit {
		return true
	}
	return pos.UnrealizedPnl < 0 && pos.PnlPct() < -0.05 && favorable(in.Side, in.Price, in.EMAFast)
}

func decideAdd(in Input, p Params, state State) Decision {
	if shouldAdd(in, p) {
		pos := in.Position
		sizer := Sizer{Leverage: p.Leverage, ProportionOfBalance: p.ProportionOfBalance, MaxMarginPct: p.MaxMarginPct}
		qty, taper := sizer.AddQty(in.Balance, pos.MarginUsed, in.Price, pos.PnlPct(), in.Instrument)
		if taper == 0 {
			return Decision{
				Action: ActionHold,
				State:  state,
				Reason: fmt.Sprintf("已达保证金上限 %.2f%%，停止加仓", p.MaxMarginPct*100),
			}
		}
		reason := "加仓"
		if state == StateAtRisk {
			reason = fmt.Sprintf("保证金率 %.2f 低于 %.2f，补仓", pos.MarginLevel, p.MarginLevelCritical)
		}
		return Decision{
			Action: ActionAdd,
			State:  state,
			Reason: reason,
			Intent: &OrderIntent{
				Side:     in.Side.OpenSide(),
				PosSide:  in.Side,
				Quantity: qty,
				Price:    in.Price,
				Reason:   reason,
			},
		}
	}

	decline := in.Gate.Decline
	switch {
	case decline.Dangerous():
		return Decision{
			Action: ActionHold,
			State:  state,
			Reason: fmt.Sprintf("跳过加仓: 危险下跌 (%s, 评分 %d)", decline.Type, decline.Score),
		}
	case in.Gate.Volatility.IsHighVolatility:
		return Decision{
			Action: ActionHold,
			State:  state,
			Reason: fmt.Sprintf("跳过加仓: 高波动 (%s)", in.Gate.Volatility.Trigger),
		}
	}
	return Decision{Action: ActionHold, State: state, Reason: "无变化"}
}

func decideOpen(in Input, p Params, state State) Decision {
	if !p.AutomaticMode {
		return Decision{Action: ActionHold, State: state, Reason: "未开启自动开仓"}
	}
	decline := in.Gate.Decline
	if decline.Dangerous() {
		return Decision{Action: ActionHold, State: state, Reason: fmt.Sprintf("跳过开仓: 危险下跌 (%s)", decline.Type)}
	}
	if in.Gate.Volatility.IsHighVolatility {
		return Decision{Action: ActionHold, State: state, Reason: fmt.Sprintf("跳过开仓: 高波动 (%s)", in.Gate.Volatility.Trigger)}
	}
	// 逢低开仓：多头要求价格低于 1h EMA100，空头要求高于
	if favorable(in.Side, in.Price, in.DipEMA) || in.Price == in.DipEMA {
		return Decision{
			Action: ActionHold,
			State:  state,
			Reason: fmt.Sprintf("跳过开仓: 等待回调 (price=%.4f 1h EMA100=%.4f)", in.Price, in.DipEMA),
		}
	}

	sizer := Sizer{Leverage: p.Leverage, ProportionOfBalance: p.ProportionOfBalance}
	qty := sizer.OpenQty(in.Balance, in.Price, in.Instrument)
	return Decision{
		Action: ActionOpen,
		State:  state,
		Reason: "开仓",
		Intent: &OrderIntent{
			Side:     in.Side.OpenSide(),
			PosSide:  in.Side,
			Quantity: qty,
			Price:    in.Price,
			Reason:   "开仓",
		},
	}
}
