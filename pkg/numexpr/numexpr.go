// Package numexpr evaluates the restricted arithmetic expressions allowed
// for numeric configuration fields, e.g. "0.5/24" or "30*24".
// Only multiplication and division are supported; terms are folded left to
// right, with each '/'-separated term divided in before its trailing '*'
// factors are multiplied.
package numexpr

import (
	"fmt"
	"strconv"
	"strings"
)

// Eval evaluates expr and returns its numeric value.
// A plain number (including scientific notation such as "1e6") is returned
// as-is. Any other content is an error.
func Eval(expr string) (float64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("empty numeric expression")
	}

	divParts := strings.Split(expr, "/")

	val, err := evalProduct(divParts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid numeric expression %q: %w", expr, err)
	}

	for _, part := range divParts[1:] {
		multParts := strings.Split(part, "*")
		divisor, err := parseTerm(multParts[0])
		if err != nil {
			return 0, fmt.Errorf("invalid numeric expression %q: %w", expr, err)
		}
		if divisor == 0 {
			return 0, fmt.Errorf("invalid numeric expression %q: division by zero", expr)
		}
		val /= divisor
		for _, m := range multParts[1:] {
			factor, err := parseTerm(m)
			if err != nil {
				return 0, fmt.Errorf("invalid numeric expression %q: %w", expr, err)
			}
			val *= factor
		}
	}
	return val, nil
}

// evalProduct folds a '*'-separated chain of factors.
func evalProduct(s string) (float64, error) {
	multParts := strings.Split(s, "*")
	val, err := parseTerm(multParts[0])
	if err != nil {
		return 0, err
	}
	for _, m := range multParts[1:] {
		factor, err := parseTerm(m)
		if err != nil {
			return 0, err
		}
		val *= factor
	}
	return val, nil
}

func parseTerm(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", strings.TrimSpace(s))
	}
	return v, nil
}
