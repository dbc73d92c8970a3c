package matching

import (
	"math/big"

	"github.com/holiman/uint256"
)

// SecondsPerYear converts annual pool rates into per-second yields.
const SecondsPerYear = 365 * 24 * 3600

var (
	basisPoints = big.NewInt(10_000)
	// Ray is the 1e27 fixed-point scale shared by indexes, rates and yields.
	Ray     = mustBigInt("1000000000000000000000000000")
	halfRay = new(big.Int).Rsh(Ray, 1)
	one     = big.NewInt(1)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// rayMul multiplies two ray values rounding half up. It is only used to
// compound indexes so that rayPow stays reproducible.
func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	return product.Quo(product, Ray)
}

func rayMulDown(a, b *big.Int) *big.Int {
	if a == nil || b == nil || a.Sign() <= 0 || b.Sign() <= 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, Ray)
}

func rayMulUp(a, b *big.Int) *big.Int {
	if a == nil || b == nil || a.Sign() <= 0 || b.Sign() <= 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return ceilQuo(product, Ray)
}

func rayDivDown(a, b *big.Int) *big.Int {
	if a == nil || b == nil || a.Sign() <= 0 || b.Sign() <= 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, Ray)
	return numerator.Quo(numerator, b)
}

func rayDivUp(a, b *big.Int) *big.Int {
	if a == nil || b == nil || a.Sign() <= 0 || b.Sign() <= 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, Ray)
	return ceilQuo(numerator, b)
}

func ceilQuo(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, one)
	}
	return q
}

// rayPow raises a ray value to an integer power by square and multiply. The
// half-up rounding of every intermediate product is part of the contract:
// indexes compounded elsewhere must reproduce these exact digits.
func rayPow(x *big.Int, n uint64) *big.Int {
	base := new(big.Int).Set(x)
	z := new(big.Int).Set(Ray)
	if n%2 != 0 {
		z.Set(base)
	}
	for n /= 2; n != 0; n /= 2 {
		base = rayMul(base, base)
		if n%2 != 0 {
			z = rayMul(z, base)
		}
	}
	return z
}

// compound applies (1 + yield)^elapsed to an index.
func compound(index, yield *big.Int, elapsed uint64) *big.Int {
	if elapsed == 0 || yield == nil || yield.Sign() == 0 {
		return new(big.Int).Set(index)
	}
	factor := rayPow(new(big.Int).Add(Ray, yield), elapsed)
	return rayMul(index, factor)
}

// p2pGrowth compounds a P2P index while part of that side's P2P book sits
// on the pool as a delta. The delta share of the book grows with the pool
// index, the rest at the P2P yield:
//
//	share  = delta * poolIndex / (p2pAmount * index)
//	growth = (1 - share) * (1 + yield)^elapsed + share * poolNew / poolOld
//
// Without a delta this is compound.
func p2pGrowth(index, yield *big.Int, elapsed uint64, delta, p2pAmount, poolOld, poolNew *big.Int) *big.Int {
	if delta == nil || delta.Sign() <= 0 || p2pAmount == nil || p2pAmount.Sign() <= 0 ||
		poolOld == nil || poolOld.Sign() <= 0 || index.Sign() <= 0 {
		return compound(index, yield, elapsed)
	}
	share := new(big.Int).Mul(delta, poolOld)
	share.Mul(share, Ray)
	share.Quo(share, new(big.Int).Mul(p2pAmount, index))
	if share.Cmp(Ray) > 0 {
		share.Set(Ray)
	}

	p2pFactor := new(big.Int).Set(Ray)
	if elapsed > 0 && yield != nil && yield.Sign() > 0 {
		p2pFactor = rayPow(new(big.Int).Add(Ray, yield), elapsed)
	}
	poolFactor := rayDivDown(poolNew, poolOld)

	growth := rayMul(new(big.Int).Sub(Ray, share), p2pFactor)
	growth.Add(growth, rayMul(share, poolFactor))
	return rayMul(index, growth)
}

func bpsMul(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, basisPoints)
}

func zeroFloorSub(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// fitsUint256 reports whether a non-negative amount can be represented by the
// 256-bit token amounts the pool operates on.
func fitsUint256(v *big.Int) bool {
	if v == nil || v.Sign() < 0 {
		return false
	}
	_, overflow := uint256.FromBig(v)
	return !overflow
}
