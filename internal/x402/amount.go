package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatAmount converts a base-unit amount (decimal string) to its
// human-readable form using the token's decimals. The conversion is pure
// integer/string arithmetic; 10000 with 6 decimals becomes "0.01".
func FormatAmount(raw string, decimals int) (string, error) {
	raw = strings.TrimSpace(raw)
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return "", fmt.Errorf("invalid base-unit amount %q", raw)
	}
	if n.Sign() < 0 {
		return "", fmt.Errorf("negative amount %q", raw)
	}
	if decimals < 0 {
		return "", fmt.Errorf("negative decimals %d", decimals)
	}

	digits := n.String()
	if decimals == 0 {
		return digits, nil
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	split := len(digits) - decimals
	whole, frac := digits[:split], digits[split:]
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return whole, nil
	}
	return whole + "." + frac, nil
}

// ParseAmount converts a human-readable decimal amount to base units,
// rejecting values with more fractional digits than the token carries.
func ParseAmount(human string, decimals int) (string, error) {
	human = strings.TrimSpace(human)
	if human == "" {
		return "", fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(human, "-") {
		return "", fmt.Errorf("negative amount %q", human)
	}
	if decimals < 0 {
		return "", fmt.Errorf("negative decimals %d", decimals)
	}

	whole, frac, _ := strings.Cut(human, ".")
	if whole == "" {
		whole = "0"
	}
	if strings.Contains(frac, ".") {
		return "", fmt.Errorf("invalid amount %q", human)
	}
	if len(frac) > decimals {
		return "", fmt.Errorf("amount %q has more than %d decimal places", human, decimals)
	}

	wholeInt, ok := new(big.Int).SetString(whole, 10)
	if !ok || wholeInt.Sign() < 0 {
		return "", fmt.Errorf("invalid amount %q", human)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	result := new(big.Int).Mul(wholeInt, scale)

	if frac != "" {
		fracPadded := frac + strings.Repeat("0", decimals-len(frac))
		fracInt, ok := new(big.Int).SetString(fracPadded, 10)
		if !ok || fracInt.Sign() < 0 {
			return "", fmt.Errorf("invalid amount %q", human)
		}
		result.Add(result, fracInt)
	}
	return result.String(), nil
}
