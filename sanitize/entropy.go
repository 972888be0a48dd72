package sanitize

import "math"

// shannonEntropy returns the per-character Shannon entropy, in bits, of
// the empirical character distribution of s.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]float64)
	var total float64
	for _, r := range s {
		freq[r]++
		total++
	}
	var h float64
	for _, count := range freq {
		p := count / total
		h -= p * math.Log2(p)
	}
	return h
}
