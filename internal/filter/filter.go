// Package filter classifies advertisements with the ordered filter categories of
// the configuration file. Every category resolves to exactly one rule: rules
// are tried in declared order and the trailing catch-all takes the rest.
package filter

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

// Rule is one named pattern within a category.
type Rule struct {
	Name          string
	Pattern       string
	CaseSensitive bool
	CatchAll      bool
	re            *regexp.Regexp
}

func (r Rule) match(text string) bool {
	return r.CatchAll || r.re.MatchString(text)
}

// Category is an ordered rule list. The last rule is the catch-all.
type Category struct {
	Name        string
	Description string
	Rules       []Rule
}

// Set holds the categories in configured order.
type Set struct {
	Categories []Category
}

type ruleSpec struct {
	Pattern       string `yaml:"pattern"`
	CaseSensitive bool   `yaml:"case_sensitive"`
	CatchAll      bool   `yaml:"catch_all"`
}

// Load reads the filters section of the YAML file at path.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filters: %w", err)
	}
	return Parse(data)
}

// Parse decodes and lints the filters section of a configuration document.
// Declared order is preserved. All problems are reported together.
func Parse(data []byte) (*Set, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &crawler.ConfigurationError{Entity: "filters", Err: err}
	}
	section := lookup(&doc, "filters")
	if section == nil {
		return nil, &crawler.ConfigurationError{Entity: "filters", Err: errors.New("section is missing")}
	}
	if section.Kind != yaml.MappingNode || len(section.Content) == 0 {
		return nil, &crawler.ConfigurationError{Entity: "filters", Err: errors.New("expected a mapping of categories")}
	}

	set := &Set{}
	var errs []error
	for i := 0; i+1 < len(section.Content); i += 2 {
		name := section.Content[i].Value
		cat, err := parseCategory(name, section.Content[i+1])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		set.Categories = append(set.Categories, cat)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return set, nil
}

// lookup returns the value of key in the top-level mapping of doc.
func lookup(doc *yaml.Node, key string) *yaml.Node {
	node := doc
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil
		}
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func parseCategory(name string, node *yaml.Node) (Category, error) {
	entity := "filters." + name
	fail := func(format string, args ...any) (Category, error) {
		return Category{}, &crawler.ConfigurationError{Entity: entity, Err: fmt.Errorf(format, args...)}
	}
	if err := checkSegment(name); err != nil {
		return fail("category name: %v", err)
	}
	if node.Kind != yaml.MappingNode {
		return fail("expected a mapping, got %s", kindName(node.Kind))
	}

	cat := Category{Name: name}
	ruleNodes := node
	if rules := lookup(node, "rules"); rules != nil {
		if rules.Kind != yaml.MappingNode {
			return fail("rules: expected a mapping, got %s", kindName(rules.Kind))
		}
		ruleNodes = rules
	}
	if desc := lookup(node, "description"); desc != nil && desc.Kind == yaml.ScalarNode {
		cat.Description = desc.Value
	}

	for i := 0; i+1 < len(ruleNodes.Content); i += 2 {
		key, value := ruleNodes.Content[i].Value, ruleNodes.Content[i+1]
		if ruleNodes == node && (key == "description" || key == "rules") {
			continue
		}
		var spec ruleSpec
		if err := value.Decode(&spec); err != nil {
			return fail("rule %s: %v", key, err)
		}
		rule, err := compileRule(key, spec)
		if err != nil {
			return Category{}, &crawler.ConfigurationError{Entity: entity + "." + key, Err: err}
		}
		cat.Rules = append(cat.Rules, rule)
	}
	if err := lint(cat); err != nil {
		return Category{}, &crawler.ConfigurationError{Entity: entity, Err: err}
	}
	return cat, nil
}

func compileRule(name string, spec ruleSpec) (Rule, error) {
	if err := checkSegment(name); err != nil {
		return Rule{}, fmt.Errorf("rule name: %w", err)
	}
	rule := Rule{Name: name, Pattern: spec.Pattern, CaseSensitive: spec.CaseSensitive, CatchAll: spec.CatchAll}
	if rule.CatchAll {
		return rule, nil
	}
	if strings.TrimSpace(spec.Pattern) == "" {
		return Rule{}, errors.New("pattern is empty")
	}
	pattern := spec.Pattern
	if !spec.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid pattern: %w", err)
	}
	rule.re = re
	return rule, nil
}

// lint enforces totality: one catch-all, declared last.
func lint(cat Category) error {
	if len(cat.Rules) == 0 {
		return errors.New("no rules")
	}
	catchAll := 0
	for _, r := range cat.Rules {
		if r.CatchAll {
			catchAll++
		}
	}
	switch {
	case catchAll == 0:
		return errors.New("no catch_all rule")
	case catchAll > 1:
		return fmt.Errorf("%d catch_all rules, want exactly one", catchAll)
	case !cat.Rules[len(cat.Rules)-1].CatchAll:
		return fmt.Errorf("catch_all rule must be declared last")
	}
	return nil
}

// checkSegment rejects names that cannot be used as one directory level.
func checkSegment(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("empty")
	case name == "." || name == "..", strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%q is not a valid path segment", name)
	}
	return nil
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "mapping"
	}
}

// Labels returns the rule each category resolves to, in category order.
func (s *Set) Labels(ad crawler.Advertisement) []crawler.Label {
	text := ad.ClassifiableText()
	labels := make([]crawler.Label, 0, len(s.Categories))
	for _, cat := range s.Categories {
		for _, r := range cat.Rules {
			if r.match(text) {
				labels = append(labels, crawler.Label{Category: cat.Name, Rule: r.Name})
				break
			}
		}
	}
	return labels
}

// Classify maps every category name to the rule the advertisement resolves to.
func (s *Set) Classify(ad crawler.Advertisement) map[string]string {
	out := make(map[string]string, len(s.Categories))
	for _, l := range s.Labels(ad) {
		out[l.Category] = l.Rule
	}
	return out
}

// Path returns the rule names of labels as directory segments.
func Path(labels []crawler.Label) []string {
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = l.Rule
	}
	return parts
}
