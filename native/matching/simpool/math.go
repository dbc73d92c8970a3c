package simpool

import (
	"math/big"

	"ratematch/native/matching"
)

var secondsPerYear = big.NewInt(matching.SecondsPerYear)

// linear grows index by rate over elapsed seconds without compounding.
func linear(index, rate, elapsed *big.Int) *big.Int {
	growth := new(big.Int).Mul(rate, elapsed)
	growth.Quo(growth, secondsPerYear)
	growth.Add(growth, matching.Ray)
	return mulDown(index, growth)
}

func mulDown(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, matching.Ray)
}

func mulUp(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return ceil(out, matching.Ray)
}

func divDown(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, matching.Ray)
	return out.Quo(out, b)
}

func divUp(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, matching.Ray)
	return ceil(out, b)
}

func ceil(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func floorSub(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
