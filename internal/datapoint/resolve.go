package datapoint

import (
	"fmt"
	"strings"
)

// Rule decides whether candidate replaces latest while resolving the group of
// records sharing outer's identity.
type Rule func(outer, latest, candidate Record) bool

// LiteralRule is the historical resolution rule. The second clause tests the
// outer record rather than the candidate, so whenever outer is not overwriting
// the last scanned duplicate wins regardless of upload dates.
func LiteralRule(outer, latest, candidate Record) bool {
	return (candidate.DateUploaded.After(latest.DateUploaded) && candidate.Overwriting) || !outer.Overwriting
}

// OverwritingRule lets a candidate supersede latest only when it is marked
// overwriting and was uploaded strictly later.
func OverwritingRule(_, latest, candidate Record) bool {
	return candidate.Overwriting && candidate.DateUploaded.After(latest.DateUploaded)
}

// Rule names accepted by RuleByName.
const (
	RuleLiteral     = "literal"
	RuleOverwriting = "overwriting"
)

// RuleByName returns the rule registered under name.
func RuleByName(name string) (Rule, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", RuleLiteral:
		return LiteralRule, nil
	case RuleOverwriting:
		return OverwritingRule, nil
	default:
		return nil, fmt.Errorf("unknown dedup rule %q (supported: %s, %s)", name, RuleLiteral, RuleOverwriting)
	}
}

// groupByKey indexes records by identity, keeping input order within a group.
func groupByKey(records []Record) map[Key][]int {
	groups := make(map[Key][]int)
	for i := range records {
		k := records[i].Key()
		groups[k] = append(groups[k], i)
	}
	return groups
}

func resolveGroup(records []Record, group []int, outer Record, rule Rule) Record {
	latest := records[group[0]]
	for _, i := range group {
		if rule(outer, latest, records[i]) {
			latest = records[i]
		}
	}
	return latest
}

// Resolve returns one resolved record per input record, in input order.
// Duplicate identities therefore appear once per duplicate.
func Resolve(records []Record, rule Rule) []Record {
	if rule == nil {
		rule = LiteralRule
	}
	groups := groupByKey(records)
	out := make([]Record, 0, len(records))
	for _, outer := range records {
		out = append(out, resolveGroup(records, groups[outer.Key()], outer, rule))
	}
	return out
}

// ResolveDistinct returns one resolved record per distinct identity, ordered by
// first occurrence. The first occurrence is used as the outer record.
func ResolveDistinct(records []Record, rule Rule) []Record {
	if rule == nil {
		rule = LiteralRule
	}
	groups := groupByKey(records)
	seen := make(map[Key]struct{}, len(groups))
	out := make([]Record, 0, len(groups))
	for _, outer := range records {
		k := outer.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, resolveGroup(records, groups[k], outer, rule))
	}
	return out
}

// Resolver bundles a rule with the output multiplicity.
type Resolver struct {
	Rule     Rule
	Distinct bool
}

// Resolve applies r to records.
func (r Resolver) Resolve(records []Record) []Record {
	if r.Distinct {
		return ResolveDistinct(records, r.Rule)
	}
	return Resolve(records, r.Rule)
}
