package throttle

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/dharsanguruparan/CrashVault/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `
minimal_versions:
  Firefox: "3.6"
rules:
  - name: nightly
    field: Version
    regexp: "a1$"
    percentage: 100
  - name: waterwolf
    field: ProductName
    equals: Waterwolf
    percentage: 0
  - name: firefox
    field: ProductName
    regexp: "^Firefox"
    percentage: 10
`

func TestThrottleDecisions(t *testing.T) {
	set, err := ParseRules([]byte(rulesYAML))
	require.NoError(t, err)
	require.Len(t, set.Rules, 3)

	firefox := map[string]string{"Firefox": "3.6"}
	cases := []struct {
		name   string
		rules  []Rule
		report model.Metadata
		opts   Options
		want   Decision
	}{
		{"first matching rule wins", set.Rules, model.Metadata{"ProductName": "Waterwolf", "Version": "4.0a1"}, set.Options(), Accept},
		{"zero percent throttles and defers old clients", set.Rules, model.Metadata{"ProductName": "Waterwolf", "Version": "1.0"}, set.Options(), Defer},
		{"no rule matches", set.Rules, model.Metadata{"ProductName": "Nighttrain", "Version": "1.0"}, set.Options(), Defer},
		{"client understands refusal", nil, model.Metadata{"ProductName": "Firefox", "Version": "3.6"}, Options{MinimalVersions: firefox}, Discard},
		{"client too old for refusal", nil, model.Metadata{"ProductName": "Firefox", "Version": "3.5"}, Options{MinimalVersions: firefox}, Defer},
		{"never discard", nil, model.Metadata{"ProductName": "Firefox", "Version": "3.6"}, Options{MinimalVersions: firefox, NeverDiscard: true}, Defer},
		{"unthrottleable", set.Rules, model.Metadata{"ProductName": "Nighttrain", "Throttleable": "0"}, set.Options(), Accept},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.opts.Seed = 1
			assert.Equal(t, tc.want, New(tc.rules, tc.opts).Throttle(tc.report))
		})
	}
}

func TestThrottleDeterministicWithSeed(t *testing.T) {
	rules := []Rule{{Name: "half", Condition: Always(), Percentage: 50}}
	report := model.Metadata{"ProductName": "Firefox", "Version": "4.0"}
	opts := Options{MinimalVersions: map[string]string{"Firefox": "3.6"}, Seed: 42}

	a, b := New(rules, opts), New(rules, opts)
	var seqA, seqB []Decision
	counts := map[Decision]int{}
	for i := 0; i < 1000; i++ {
		da, db := a.Throttle(report), b.Throttle(report)
		seqA, seqB = append(seqA, da), append(seqB, db)
		counts[da]++
	}
	assert.Equal(t, seqA, seqB)
	assert.Zero(t, counts[Defer])
	assert.InDelta(t, 500, counts[Accept], 100)
	assert.InDelta(t, 500, counts[Discard], 100)
}

func TestConditions(t *testing.T) {
	report := model.Metadata{"ProductName": "Firefox", "Version": 3.6}
	assert.True(t, FieldRegexp("ProductName", regexp.MustCompile("fox")).Match(report))
	assert.False(t, FieldRegexp("Missing", regexp.MustCompile(".*")).Match(report))
	assert.True(t, FieldEquals("Version", "3.6").Match(report))
	assert.True(t, Always().Match(nil))
}

func TestCompareVersions(t *testing.T) {
	for _, tc := range []struct {
		a, b string
		want int
	}{
		{"3.6", "3.6", 0},
		{"3.6", "3.6.0", 0},
		{"3.6.13", "3.6", 1},
		{"3.5", "3.6", -1},
		{"4.0b1", "4.0", -1},
		{"4.0a2", "4.0b1", -1},
		{"4.0b10", "4.0b9", 1},
		{"10.0", "9.0", 1},
	} {
		assert.Equal(t, tc.want, CompareVersions(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
	}
}

func TestParseRulesErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"two conditions":   "rules:\n  - field: a\n    regexp: x\n    always: true\n    percentage: 1\n",
		"no field":         "rules:\n  - equals: x\n    percentage: 1\n",
		"bad regexp":       "rules:\n  - field: a\n    regexp: \"(\"\n    percentage: 1\n",
		"bad percentage":   "rules:\n  - always: true\n    percentage: 101\n",
		"unknown property": "rulez: []\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRules([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o644))
	set, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, "3.6", set.MinimalVersions["Firefox"])
	assert.Equal(t, "nightly", set.Rules[0].Name)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	assert.Equal(t, Accept, New(DefaultRules().Rules, Options{}).Throttle(model.Metadata{}))
}
