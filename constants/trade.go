package constants

import (
	"strings"
)

// Trade is a CSI MasterFormat section code without separators, e.g. "101400".
type Trade string

const (
	TradeSignage           Trade = "101400"
	TradeToiletAccessories Trade = "102800"
)

var allTrades = []Trade{TradeSignage, TradeToiletAccessories}

// Trades lists the supported trade codes.
func Trades() []string {
	result := make([]string, len(allTrades))
	for i, t := range allTrades {
		result[i] = string(t)
	}
	return result
}

// CanonicalizeTrade maps user input ("10 14 00", "signage", "101400") onto a Trade.
func CanonicalizeTrade(input string) (Trade, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return "", false
	}

	synonyms := map[string]Trade{
		"signage":            TradeSignage,
		"signs":              TradeSignage,
		"sign":               TradeSignage,
		"toilet accessories": TradeToiletAccessories,
		"toilet accessory":   TradeToiletAccessories,
		"bath accessories":   TradeToiletAccessories,
	}
	if t, ok := synonyms[normalized]; ok {
		return t, true
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		if r == ' ' || r == '-' || r == '.' {
			return -1
		}
		return 'x'
	}, normalized)
	for _, t := range allTrades {
		if digits == string(t) {
			return t, true
		}
	}
	return "", false
}
