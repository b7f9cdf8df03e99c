package engine

import (
	"context"
	"strings"
	"time"

	"lexline/internal/domain"
	"lexline/internal/events"
)

// tribalTopicSet marks the topics that carry tribal-jurisdiction content. A
// source filtering on any of them opts into tribal items during ingest.
var tribalTopicSet = map[string]bool{
	"nahasda_core":    true,
	"tribal_lease":    true,
	"ihbg_allocation": true,
}

func touchesTribalTopics(topics []string) bool {
	for _, t := range topics {
		if tribalTopicSet[t] {
			return true
		}
	}
	return false
}

// seedRule fans one topic out to the templates it concerns. A rule matches a
// template by category membership, by a case-insensitive name fragment, or
// either when both are set. State-scoped rules inherit the template's own
// state.
type seedRule struct {
	Topic        string
	Level        domain.JurisdictionLevel
	InheritState bool
	Category     string
	NamePattern  string
}

func (r seedRule) matches(t domain.Template) bool {
	if r.Category != "" && t.Category == r.Category {
		return true
	}
	if r.NamePattern != "" && strings.Contains(strings.ToLower(t.Name), r.NamePattern) {
		return true
	}
	return false
}

// routingRulesVersion bumps whenever the seed table below changes.
const routingRulesVersion = 2

var seedRules = []seedRule{
	{Category: "lease", Topic: "lease_terms", Level: domain.LevelState, InheritState: true},
	{Category: "lease", Topic: "security_deposit", Level: domain.LevelState, InheritState: true},
	{Category: "lease", Topic: "eviction_notice", Level: domain.LevelState, InheritState: true},
	{Category: "lease", Topic: "late_fees", Level: domain.LevelState, InheritState: true},
	{Category: "lease", Topic: "habitability", Level: domain.LevelState, InheritState: true},
	{Category: "lease", Topic: "fair_housing", Level: domain.LevelFederal},
	{Category: "deposit", NamePattern: "deposit", Topic: "security_deposit", Level: domain.LevelState, InheritState: true},
	{Category: "eviction", NamePattern: "eviction", Topic: "eviction_notice", Level: domain.LevelState, InheritState: true},
	{Category: "disclosure", Topic: "disclosure_federal", Level: domain.LevelFederal},
	{Category: "disclosure", NamePattern: "fair housing", Topic: "fair_housing", Level: domain.LevelFederal},
	{Category: "tribal_lease", NamePattern: "nahasda", Topic: "nahasda_core", Level: domain.LevelTribal},
	{Category: "tribal_lease", Topic: "tribal_lease", Level: domain.LevelTribal},
	{Category: "tribal_lease", Topic: "ihbg_allocation", Level: domain.LevelFederal},
	{Category: "tribal_lease", Topic: "fair_housing", Level: domain.LevelFederal},
}

// SeedResult reports how many routing edges a seeding pass added.
type SeedResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// SeedRoutings creates the default routing edges for every known template.
// Edges that already exist are left untouched, so reseeding is safe and
// manual edits survive.
func (e Engine) SeedRoutings(ctx context.Context, actorID string) (SeedResult, error) {
	var res SeedResult
	templates, err := e.Repo.ListTemplates(ctx, true)
	if err != nil {
		return res, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	// Two rules can resolve to the same edge for one template; attempt each
	// edge once so Skipped only counts edges that predate this pass.
	attempted := map[string]bool{}
	for _, rule := range seedRules {
		for _, t := range templates {
			if !rule.matches(t) {
				continue
			}
			state := ""
			if rule.InheritState {
				state = t.State
			}
			id := newID("routing", t.ID, rule.Topic, string(rule.Level), state)
			if attempted[id] {
				continue
			}
			attempted[id] = true
			rt := domain.Routing{
				ID:         id,
				TemplateID: t.ID,
				Topic:      rule.Topic,
				Level:      rule.Level,
				State:      state,
				Active:     true,
				CreatedAt:  now,
			}
			inserted, err := e.Repo.InsertRoutingIgnore(ctx, rt)
			if err != nil {
				return res, err
			}
			if inserted {
				res.Created++
			} else {
				res.Skipped++
			}
		}
	}
	if err := e.Events.AppendDirect(ctx, "routing.seeded", "routing", "", actorID, events.EventPayload{
		"created":       res.Created,
		"skipped":       res.Skipped,
		"rules_version": routingRulesVersion,
	}); err != nil {
		e.log().Error("record seed event", "err", err)
	}
	return res, nil
}

// routingMatches applies the jurisdiction gate. Tribal is asymmetric: a
// tribal-scoped edge only takes tribal updates, and a tribal update only
// flows through edges scoped to tribal or federal, or left unscoped. States
// must agree when both sides name one.
func routingMatches(rt domain.Routing, u domain.Update) bool {
	level := u.Jurisdiction.Level
	if rt.Level == domain.LevelTribal && level != domain.LevelTribal {
		return false
	}
	if level == domain.LevelTribal && rt.Level != "" && rt.Level != domain.LevelTribal && rt.Level != domain.LevelFederal {
		return false
	}
	if rt.State != "" && u.Jurisdiction.State != "" && rt.State != u.Jurisdiction.State {
		return false
	}
	return true
}

// AffectedTemplates returns the distinct template IDs an update routes to,
// in routing order.
func (e Engine) AffectedTemplates(ctx context.Context, u domain.Update) ([]string, error) {
	routings, err := e.Repo.ListActiveRoutingsByTopics(ctx, u.Topics)
	if err != nil {
		return nil, err
	}
	var ids []string
	seen := map[string]bool{}
	for _, rt := range routings {
		if !routingMatches(rt, u) {
			continue
		}
		if seen[rt.TemplateID] {
			continue
		}
		seen[rt.TemplateID] = true
		ids = append(ids, rt.TemplateID)
	}
	return ids, nil
}
