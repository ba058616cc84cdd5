package hunt

import (
	"regexp"
	"strings"

	"github.com/okapi-sec/okapi/internal/app/domain/client"
	huntdomain "github.com/okapi-sec/okapi/internal/app/domain/hunt"
)

// Matches reports whether c satisfies every Rule in rs (spec.md §4.7
// "ClientRuleSet": conjunction of leaf predicates).
func Matches(rs huntdomain.RuleSet, c client.Client) bool {
	for _, r := range rs.Rules {
		if !matchOne(r, c) {
			return false
		}
	}
	return true
}

func matchOne(r huntdomain.Rule, c client.Client) bool {
	switch r.Op {
	case huntdomain.OpEquals:
		return fieldValue(r.Field, c) == r.Value
	case huntdomain.OpNotEquals:
		return fieldValue(r.Field, c) != r.Value
	case huntdomain.OpHasLabel:
		owner, name, ok := strings.Cut(r.Value, ":")
		if !ok {
			name = r.Value
		}
		return c.HasLabel(owner, name)
	case huntdomain.OpOSIn:
		for _, v := range r.Values {
			if v == c.KnowledgeBase.OS {
				return true
			}
		}
		return false
	case huntdomain.OpRegex:
		re, err := regexp.Compile(r.Value)
		if err != nil {
			return false
		}
		return re.MatchString(fieldValue(r.Field, c))
	default:
		return false
	}
}

func fieldValue(field string, c client.Client) string {
	switch field {
	case "os":
		return c.KnowledgeBase.OS
	case "arch":
		return c.KnowledgeBase.Arch
	case "hostname":
		return c.KnowledgeBase.Hostname
	case "fqdn":
		return c.KnowledgeBase.FQDN
	default:
		return ""
	}
}
