package similarity

import (
	"math"
	"strings"
)

// Trigrams returns the frequency of every length-3 rune window of the
// lower-cased input. Windows count code points, so a character outside the
// Basic Multilingual Plane is a single unit rather than a surrogate pair.
func Trigrams(s string) map[string]int {
	runes := []rune(strings.ToLower(s))
	if len(runes) < 3 {
		return map[string]int{}
	}
	grams := make(map[string]int, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		grams[string(runes[i:i+3])]++
	}
	return grams
}

// Cosine returns the cosine similarity of the trigram frequency vectors of
// a and b, in [0,1]. Either side having no trigrams yields 0.
func Cosine(a, b string) float64 {
	ga, gb := Trigrams(a), Trigrams(b)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}

	// Iterate the smaller map; integer sums keep the result independent of
	// map order and argument order.
	small, large := ga, gb
	if len(small) > len(large) {
		small, large = large, small
	}
	var dot int64
	for g, n := range small {
		dot += int64(n) * int64(large[g])
	}
	if dot == 0 {
		return 0
	}

	sim := float64(dot) / math.Sqrt(float64(sumSquares(ga))*float64(sumSquares(gb)))
	if sim > 1 {
		return 1
	}
	return sim
}

// Divergence is 1 - Cosine(a, b).
func Divergence(a, b string) float64 {
	return 1 - Cosine(a, b)
}

func sumSquares(g map[string]int) int64 {
	var s int64
	for _, n := range g {
		s += int64(n) * int64(n)
	}
	return s
}
