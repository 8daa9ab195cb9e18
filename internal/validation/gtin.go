// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// IsValidGTIN проверяет корректность GTIN по контрольной цифре GS1.
// Допускаются длины 8, 12, 13 и 14 цифр.
func IsValidGTIN(gtin string) bool {
	switch len(gtin) {
	case 8, 12, 13, 14:
	default:
		return false
	}

	sum := 0
	weight := 3

	for i := len(gtin) - 2; i >= 0; i-- {
		ch := rune(gtin[i])
		if !unicode.IsDigit(ch) {
			return false
		}
		sum += int(ch-'0') * weight
		if weight == 3 {
			weight = 1
		} else {
			weight = 3
		}
	}

	last := rune(gtin[len(gtin)-1])
	if !unicode.IsDigit(last) {
		return false
	}

	check := (10 - sum%10) % 10
	return int(last-'0') == check
}
