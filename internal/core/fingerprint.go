package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// priceBucketDecimals is the rounding precision applied to price before
// hashing: signals that differ only in sub-cent noise from a retried
// upstream publish must still collapse to the same fingerprint.
const priceBucketDecimals = 2

// timeBucket is the coarse window a Signal's timestamp is quantized to
// before hashing, so that near-duplicate re-sends of the same signal within
// a short retry window dedupe, while genuinely distinct signals minutes
// apart do not collide.
const timeBucket = 2 // seconds

// Fingerprint derives the deterministic dedup key for a Signal from its
// strategy, symbol, action, rounded price, timeframe, and a coarse time
// bucket. Two Signal values that would trigger the same real-world order
// intent, even if delivered twice over an at-least-once transport, collapse
// to the same fingerprint.
func Fingerprint(s Signal) string {
	price := "market"
	if s.HasPrice {
		price = s.Price.Round(priceBucketDecimals).String()
	}
	bucket := s.Timestamp.Unix() / timeBucket

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s",
		s.StrategyID, s.Symbol, s.Action, price, s.Timeframe, strconv.FormatInt(bucket, 10))
	return hex.EncodeToString(h.Sum(nil))
}
