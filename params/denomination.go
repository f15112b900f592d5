package params

// These are the multipliers for BAN denominations as tracked by the bridge
// ledger. Ledger amounts are integers in base units, aligned with the 18
// decimals of the wBAN ERC-20 token.
// Example: To get the base-unit value of an amount in 'BAN', use
//
//	new(big.Int).Mul(value, big.NewInt(params.BAN))
const (
	BaseUnit = 1
	GBase    = 1e9
	BAN      = 1e18
)

// WBANDecimals is the decimal count of the wBAN ERC-20 token. Ledger base
// units are defined so that 1 BAN on the ledger equals 10^WBANDecimals.
const WBANDecimals = 18

// RawPerBANExponent is the exponent of the Banano node's native RAW unit
// (1 BAN = 10^29 raw). Conversion between node raw and ledger base units
// happens exclusively at the banano client boundary.
const RawPerBANExponent = 29
