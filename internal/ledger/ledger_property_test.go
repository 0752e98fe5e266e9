package ledger

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// 属性: 无论价格如何运动、操作序列如何组合，自由余额永不为负。
// 平仓释放额有 0 下限 (强平语义)，这是该不变式成立的关键。
func TestProperty_BalanceNeverNegative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	opGen := gen.IntRange(0, 4)       // 0=open 1=increase 2=reduce 3=close 4=mark
	priceGen := gen.Float64Range(1, 100000)
	qtyGen := gen.Float64Range(0.001, 5)
	fracGen := gen.Float64Range(0.01, 0.99)
	sideGen := gen.Bool()

	properties.Property("balance >= 0 after any operation sequence", prop.ForAll(
		func(ops []int, prices []float64, qtys []float64, fracs []float64, longs []bool) bool {
			l := New(10000, 10, 0.0004, 0.0001)

			for i, op := range ops {
				price := prices[i%len(prices)]
				qty := qtys[i%len(qtys)]
				frac := fracs[i%len(fracs)]
				side := Long
				if !longs[i%len(longs)] {
					side = Short
				}

				switch op {
				case 0:
					l.Open(side, qty, price)
				case 1:
					l.Increase(qty, price)
				case 2:
					l.Reduce(frac, price)
				case 3:
					l.Close(price)
				case 4:
					l.MarkToMarket(price)
				}

				if l.Balance() < 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(30, opGen),
		gen.SliceOfN(7, priceGen),
		gen.SliceOfN(7, qtyGen),
		gen.SliceOfN(7, fracGen),
		gen.SliceOfN(7, sideGen),
	))

	properties.TestingRun(t)
}

// 属性: 零费率下同价开平仓是恒等变换，余额精确复原
func TestProperty_ZeroFeeRoundTripRestoresBalance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("open then close at same price restores balance", prop.ForAll(
		func(price, qty float64, long bool) bool {
			l := New(10000, 10, 0, 0)
			side := Long
			if !long {
				side = Short
			}

			if err := l.Open(side, qty, price); err != nil {
				// 买不起的组合不构成反例
				return true
			}
			if err := l.Close(price); err != nil {
				return false
			}

			diff := l.Balance() - 10000
			return diff < 1e-6 && diff > -1e-6
		},
		gen.Float64Range(1, 50000),
		gen.Float64Range(0.001, 2),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// 属性: 加仓花费永远不超过加仓前的自由余额 (不挪用已锁定保证金)
func TestProperty_IncreaseSpendsAtMostBalance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("increase cost bounded by free balance", prop.ForAll(
		func(openQty, incQty, price float64) bool {
			l := New(10000, 10, 0.0004, 0.0001)
			if err := l.Open(Long, openQty, price); err != nil {
				return true
			}

			before := l.Balance()
			err := l.Increase(incQty, price)
			if err != nil {
				// 拒绝时余额必须原封不动
				return l.Balance() == before
			}
			spent := before - l.Balance()
			return spent >= 0 && spent <= before+1e-9
		},
		gen.Float64Range(0.001, 2),
		gen.Float64Range(0.001, 50),
		gen.Float64Range(1, 50000),
	))

	properties.TestingRun(t)
}

// 属性: maxEquitySeen 单调不减，Drawdown 永不为负。
// 杠杆下未实现亏损可以把权益打到负值，所以回撤可以超过 1，
// 但峰值先更新保证了它永远不小于当前权益。
func TestProperty_DrawdownNonNegative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("drawdown >= 0 and peak monotone", prop.ForAll(
		func(prices []float64) bool {
			l := New(10000, 10, 0.0004, 0.0001)
			l.Open(Long, 0.5, prices[0])

			peak := l.MaxEquitySeen()
			for _, p := range prices {
				l.MarkToMarket(p)
				dd := l.Drawdown()
				if dd < 0 {
					return false
				}
				if l.MaxEquitySeen() < peak {
					return false
				}
				peak = l.MaxEquitySeen()
			}
			return true
		},
		gen.SliceOfN(50, gen.Float64Range(1, 100000)),
	))

	properties.TestingRun(t)
}
