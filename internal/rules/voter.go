package rules

import (
	"strings"

	"github.com/fapiaoAI/invoice-audit-service/internal/signal"
)

// Source weights: invoice/verification detail > remark/user note >
// seller name > filename.
const (
	WeightGoods             = 1.2
	WeightServiceTypeDetail = 1.2
	WeightRemark            = 0.9
	WeightUser              = 0.9
	WeightSeller            = 0.5
	WeightFile              = 0.3
)

// Result is the outcome of a rule vote. Score is compared against the
// arbitration thresholds: strong matches skip the classifier entirely,
// weaker ones serve as fallback or override.
type Result struct {
	ExpenseType string
	Account     string
	Score       float64
	Evidence    []string
}

type weightedText struct {
	text   string
	weight float64
}

// Vote scores every rule in the book against the weighted signal texts.
// Matching is case-insensitive substring; each keyword occurrence in a
// source adds that source's weight. A rule only displaces the current
// best on a strictly greater score, so ties keep the earliest-declared
// rule.
func Vote(bag signal.Bag) Result {
	parts := []weightedText{
		{strings.Join(bag.Goods, " "), WeightGoods},
		{bag.ServiceTypeDetail, WeightServiceTypeDetail},
		{bag.Remark, WeightRemark},
		{bag.User, WeightUser},
		{bag.Seller, WeightSeller},
		{bag.File, WeightFile},
	}

	best := Result{ExpenseType: Unknown, Account: Unknown}
	for _, rule := range Book {
		var score float64
		var hits []string
		for _, p := range parts {
			t := strings.ToLower(p.text)
			if t == "" {
				continue
			}
			for _, k := range rule.Keys {
				if strings.Contains(t, strings.ToLower(k)) {
					score += p.weight
					hits = append(hits, k)
				}
			}
		}
		if score > best.Score {
			best = Result{
				ExpenseType: rule.ExpenseType,
				Account:     rule.Account,
				Score:       score,
				Evidence:    dedupOrdered(hits),
			}
		}
	}
	return best
}

func dedupOrdered(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
