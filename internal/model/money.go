package model

import (
	"math"
	"strconv"
	"strings"
)

// ParseMinorUnits converts string amounts already in minor units to int64.
// Use for payloads that carry prices as integer pence/cents (remote item
// records use this form for all price fields).
// Examples: "8900" → 8900, "123456" → 123456, "" → 0
func ParseMinorUnits(s string) int64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}

// ParseDisplayPrice converts a human-formatted price string to minor units.
// Product descriptors scraped from page markup carry prices like "£99.00" or
// "1,299.50"; currency symbols and grouping separators are stripped before
// parsing. Examples: "£99.00" → 9900, "1,299.50" → 129950, "" → 0
func ParseDisplayPrice(s string) int64 {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			return r
		}
		return -1
	}, s)
	if cleaned == "" {
		return 0
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(f * 100))
}

// FormatPrice renders minor units as a GBP display string with thousands
// grouping, matching the storefront's en-GB formatting.
// Examples: 9900 → "£99.00", 123456 → "£1,234.56"
func FormatPrice(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	pounds := minor / 100
	pence := minor % 100
	return sign + "£" + groupThousands(pounds) + "." + pad2(pence)
}

func groupThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(s[:lead])
	for i := lead; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func pad2(n int64) string {
	if n < 10 {
		return "0" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}
