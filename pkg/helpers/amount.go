// Package helpers provides amount formatting shared by the wallet, activity
// and RPC layers.
package helpers

import (
	"fmt"
	"strings"
)

const satsPerBTC = 100_000_000

// FormatSats formats a satoshi amount as a BTC decimal string without
// trailing zeros. Negative amounts keep their sign.
// For example, FormatSats(150000000) returns "1.5".
func FormatSats(sats int64) string {
	sign := ""
	u := uint64(sats)
	if sats < 0 {
		sign = "-"
		u = uint64(-sats)
	}

	whole := u / satsPerBTC
	frac := u % satsPerBTC
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}

	fracStr := strings.TrimRight(fmt.Sprintf("%08d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, fracStr)
}

// ParseBTC parses a BTC decimal string into satoshis. More than eight
// fractional digits is an error rather than a silent truncation.
func ParseBTC(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	wholeStr, fracStr, _ := strings.Cut(s, ".")
	if wholeStr == "" && fracStr == "" {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	if len(fracStr) > 8 {
		return 0, fmt.Errorf("too many decimals in amount: %s", s)
	}

	var whole int64
	for _, c := range wholeStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
		whole = whole*10 + int64(c-'0')
		if whole > 21_000_000 {
			return 0, fmt.Errorf("amount overflow: %s", s)
		}
	}

	var frac int64
	for i := 0; i < 8; i++ {
		frac *= 10
		if i < len(fracStr) {
			c := fracStr[i]
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("invalid character in amount: %c", c)
			}
			frac += int64(c - '0')
		}
	}

	return whole*satsPerBTC + frac, nil
}

// MsatToSat converts millisatoshis to whole satoshis, rounding down.
func MsatToSat(msat int64) int64 {
	return msat / 1000
}

// SatToMsat converts satoshis to millisatoshis.
func SatToMsat(sat int64) int64 {
	return sat * 1000
}
