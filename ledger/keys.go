package ledger

// Key layout of the bridge ledger. The names are shared with prior
// deployments, so changing any of them breaks existing stores.
const (
	banBalancePrefix   = "ban-balance:"
	depositsPrefix     = "deposits:"
	withdrawalsPrefix  = "withdrawals:"
	swapToWBANPrefix   = "swaps:ban-to-wban:"
	swapToBANPrefix    = "swaps:wban-to-ban:"
	gaslessPrefix      = "swaps:gasless:"
	auditPrefix        = "audit:"
	claimPrefix        = "claims:"
	pendingClaimPrefix = "claims:pending:"
	claimIndexPrefix   = "claims:by-blockchain:"
	checkpointKey      = "blockchain:blocks:latest"
)

func balanceKey(nativeAddr string) string      { return banBalancePrefix + nativeAddr }
func depositsKey(nativeAddr string) string     { return depositsPrefix + nativeAddr }
func withdrawalsKey(nativeAddr string) string  { return withdrawalsPrefix + nativeAddr }
func swapToWBANKey(nativeAddr string) string   { return swapToWBANPrefix + nativeAddr }
func swapToBANKey(bcAddr string) string        { return swapToBANPrefix + bcAddr }
func gaslessKey(nativeAddr string) string      { return gaslessPrefix + nativeAddr }
func auditKey(id string) string                { return auditPrefix + id }
func claimKey(nativeAddr, bcAddr string) string {
	return claimPrefix + nativeAddr + ":" + bcAddr
}
func pendingClaimKey(nativeAddr, bcAddr string) string {
	return pendingClaimPrefix + nativeAddr + ":" + bcAddr
}
func claimIndexKey(bcAddr string) string { return claimIndexPrefix + bcAddr }

// Lock resource names. The lock manager prefixes these with its own
// namespace; what matters here is that every mutation path for one account
// agrees on the resource string.
func balanceResource(nativeAddr string) string    { return "balance:" + nativeAddr }
func swapToWBANResource(nativeAddr string) string { return "swaps:ban-to-wban:" + nativeAddr }
