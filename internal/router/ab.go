package router

import (
	"hash/fnv"
	"sort"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// Assign returns the deterministic variant for a user in a test. The same
// (user, test, split) always yields the same variant: a 64-bit FNV-1a of
// user_id||test_id is reduced onto [0,1) and mapped over the traffic-split
// CDF with variants ordered by name.
func Assign(userID, testID string, split map[string]float64) string {
	if len(split) == 0 {
		return ""
	}

	variants := make([]string, 0, len(split))
	for v := range split {
		variants = append(variants, v)
	}
	sort.Strings(variants)

	h := fnv.New64a()
	h.Write([]byte(userID))
	h.Write([]byte(testID))
	point := float64(h.Sum64()%1_000_000) / 1_000_000

	cumulative := 0.0
	for _, v := range variants {
		cumulative += split[v]
		if point < cumulative {
			return v
		}
	}
	// Splits sum to 1.0; rounding can leave a sliver at the top.
	return variants[len(variants)-1]
}

// variantModels returns the assigned variant's model list for a test.
func variantModels(req domain.Request, test domain.ABTest) []string {
	variant := Assign(req.UserID, test.TestID, test.TrafficSplit)
	if variant == "" {
		return nil
	}
	return test.Variants[variant]
}
