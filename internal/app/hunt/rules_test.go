package hunt

import (
	"testing"

	"github.com/okapi-sec/okapi/internal/app/domain/client"
	huntdomain "github.com/okapi-sec/okapi/internal/app/domain/hunt"
)

func TestMatchesConjunction(t *testing.T) {
	c := client.Client{
		KnowledgeBase: client.KnowledgeBase{OS: "linux", Arch: "amd64", Hostname: "db-01"},
	}
	rs := huntdomain.RuleSet{Rules: []huntdomain.Rule{
		{Op: huntdomain.OpEquals, Field: "os", Value: "linux"},
		{Op: huntdomain.OpRegex, Field: "hostname", Value: "^db-"},
	}}
	if !Matches(rs, c) {
		t.Fatal("expected client to match conjunction of rules")
	}

	rs.Rules = append(rs.Rules, huntdomain.Rule{Op: huntdomain.OpEquals, Field: "arch", Value: "arm64"})
	if Matches(rs, c) {
		t.Fatal("expected conjunction to fail once one rule mismatches")
	}
}

func TestMatchesOSIn(t *testing.T) {
	c := client.Client{KnowledgeBase: client.KnowledgeBase{OS: "darwin"}}
	rs := huntdomain.RuleSet{Rules: []huntdomain.Rule{
		{Op: huntdomain.OpOSIn, Field: "os", Values: []string{"linux", "darwin"}},
	}}
	if !Matches(rs, c) {
		t.Fatal("expected os_in match")
	}
	rs.Rules[0].Values = []string{"linux", "windows"}
	if Matches(rs, c) {
		t.Fatal("expected os_in mismatch")
	}
}

func TestMatchesHasLabel(t *testing.T) {
	c := client.Client{Labels: []client.Label{{Owner: "team-a", Name: "prod"}}}
	rs := huntdomain.RuleSet{Rules: []huntdomain.Rule{
		{Op: huntdomain.OpHasLabel, Value: "team-a:prod"},
	}}
	if !Matches(rs, c) {
		t.Fatal("expected has_label match")
	}
	rs.Rules[0].Value = "team-a:staging"
	if Matches(rs, c) {
		t.Fatal("expected has_label mismatch")
	}
}
