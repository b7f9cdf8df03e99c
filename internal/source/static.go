package source

import (
	"context"
	"sync"

	"lexline/internal/domain"
)

// StaticAdapter serves a deterministic seed set per source. It keeps the
// pipeline exercisable end to end before live feeds are wired, and backs the
// catalog sources that have no machine-readable feed yet.
type StaticAdapter struct {
	mu      sync.RWMutex
	healthy bool
}

func NewStaticAdapter() *StaticAdapter {
	return &StaticAdapter{healthy: true}
}

func (a *StaticAdapter) Name() string { return "static" }

func (a *StaticAdapter) Available(ctx context.Context) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.healthy
}

// SetAvailable overrides the health flag (for testing).
func (a *StaticAdapter) SetAvailable(healthy bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy = healthy
}

func (a *StaticAdapter) Fetch(ctx context.Context, src domain.Source, params FetchParams) (FetchResult, error) {
	var res FetchResult
	res.Cursor = params.Since
	for _, item := range seedItems[src.ID] {
		if item.PublishedAt != nil && *item.PublishedAt > res.Cursor {
			res.Cursor = *item.PublishedAt
		}
		if params.Since != "" && item.PublishedAt != nil && *item.PublishedAt <= params.Since {
			continue
		}
		if !params.IncludeTribal && item.Jurisdiction.Level == domain.LevelTribal {
			continue
		}
		if !matchTopics(item.Topics, params.Topics) {
			continue
		}
		if !matchStates(item.Jurisdiction, params.States) {
			continue
		}
		res.Items = append(res.Items, item)
	}
	return res, nil
}

func str(v string) *string { return &v }

// seedItems is keyed by source ID. Dates are fixed so re-running ingest with
// an advanced cursor fetches nothing new.
var seedItems = map[string][]Item{
	"federal-register": {
		{
			ExternalID:   "2026-12345",
			URL:          "https://www.federalregister.gov/documents/2026/07/02/2026-12345",
			Title:        "Lead-based paint disclosure guidance update",
			Summary:      "HUD revises the disclosure booklet landlords must provide before lease signing.",
			Status:       "published",
			Type:         domain.ItemNotice,
			Jurisdiction: domain.Jurisdiction{Level: domain.LevelFederal},
			Topics:       []string{"disclosure_federal"},
			Severity:     domain.SeverityMedium,
			CrossRefKey:  "us-fr-2026-12345",
			PublishedAt:  str("2026-07-02T00:00:00Z"),
			Payload:      domain.Payload{Kind: domain.PayloadNotice, Notice: &domain.NoticePayload{Agency: "HUD", DocumentNumber: "2026-12345"}},
		},
		{
			ExternalID:   "cfr-24-35-2026",
			URL:          "https://www.ecfr.gov/current/title-24/part-35",
			Title:        "24 CFR Part 35 lead safety amendments",
			Summary:      "Amended abatement thresholds for pre-1978 rental housing.",
			Status:       "final rule",
			Type:         domain.ItemCFRChange,
			Jurisdiction: domain.Jurisdiction{Level: domain.LevelFederal},
			Topics:       []string{"disclosure_federal", "habitability"},
			Severity:     domain.SeverityHigh,
			CrossRefKey:  "us-cfr-24-35-2026",
			PublishedAt:  str("2026-07-18T00:00:00Z"),
			EffectiveAt:  str("2026-10-01T00:00:00Z"),
			Payload:      domain.Payload{Kind: domain.PayloadCFRChange, CFRChange: &domain.CFRChangePayload{Title: 24, Part: "35", IssueDate: "2026-07-18"}},
		},
		{
			ExternalID:   "2026-13001",
			URL:          "https://www.federalregister.gov/documents/2026/08/01/2026-13001",
			Title:        "Assistance animal accommodation guidance refresh",
			Summary:      "FHEO clarifies documentation a housing provider may request.",
			Status:       "published",
			Type:         domain.ItemNotice,
			Jurisdiction: domain.Jurisdiction{Level: domain.LevelFederal},
			Topics:       []string{"fair_housing"},
			Severity:     domain.SeverityMedium,
			CrossRefKey:  "us-fr-2026-13001",
			PublishedAt:  str("2026-08-01T00:00:00Z"),
			Payload:      domain.Payload{Kind: domain.PayloadNotice, Notice: &domain.NoticePayload{Agency: "HUD", DocumentNumber: "2026-13001"}},
		},
	},
	"state-legislatures": {
		{
			ExternalID:   "ca-ab-2801",
			URL:          "https://leginfo.legislature.ca.gov/faces/billTextClient.xhtml?bill_id=202520260AB2801",
			Title:        "AB 2801: security deposit documentation requirements",
			Summary:      "Requires itemized photo documentation before deposit deductions.",
			Status:       "chaptered",
			Type:         domain.ItemBill,
			Jurisdiction: domain.Jurisdiction{Level: domain.LevelState, State: "CA"},
			Topics:       []string{"security_deposit"},
			Severity:     domain.SeverityHigh,
			CrossRefKey:  "us-ca-ab-2801",
			IntroducedAt: str("2026-02-10T00:00:00Z"),
			PublishedAt:  str("2026-07-01T00:00:00Z"),
			EffectiveAt:  str("2027-01-01T00:00:00Z"),
			Payload:      domain.Payload{Kind: domain.PayloadBill, Bill: &domain.BillPayload{Number: "AB 2801", Session: "2025-2026", Chamber: "assembly", LastAction: "Approved by the Governor"}},
		},
		{
			ExternalID:   "ny-s-3052",
			URL:          "https://www.nysenate.gov/legislation/bills/2026/S3052",
			Title:        "S 3052: eviction notice period extension",
			Summary:      "Extends the minimum notice period before eviction filings to 30 days statewide.",
			Status:       "passed senate",
			Type:         domain.ItemBill,
			Jurisdiction: domain.Jurisdiction{Level: domain.LevelState, State: "NY"},
			Topics:       []string{"eviction_notice"},
			Severity:     domain.SeverityCritical,
			CrossRefKey:  "us-ny-s-3052",
			IntroducedAt: str("2026-01-22T00:00:00Z"),
			PublishedAt:  str("2026-07-12T00:00:00Z"),
			Payload:      domain.Payload{Kind: domain.PayloadBill, Bill: &domain.BillPayload{Number: "S 3052", Session: "2026", Chamber: "senate", LastAction: "Passed Senate"}},
		},
		{
			ExternalID:   "or-oar-839-2026",
			URL:          "https://secure.sos.state.or.us/oard/displayDivisionRules.action?selectedDivision=839",
			Title:        "OAR 839 late fee cap rulemaking",
			Summary:      "Proposed cap on residential late fees tied to monthly rent.",
			Status:       "proposed rule",
			Type:         domain.ItemRegulation,
			Jurisdiction: domain.Jurisdiction{Level: domain.LevelState, State: "OR"},
			Topics:       []string{"late_fees", "rent_control"},
			Severity:     domain.SeverityMedium,
			CrossRefKey:  "us-or-oar-839-2026",
			PublishedAt:  str("2026-07-20T00:00:00Z"),
			Payload:      domain.Payload{Kind: domain.PayloadRegulation, Regulation: &domain.RegulationPayload{Agency: "Oregon Bureau of Labor and Industries", Docket: "BLI 12-2026", Citation: "OAR 839-090", CommentCloses: "2026-09-15"}},
		},
		{
			ExternalID:   "ca-app-2026-441",
			URL:          "https://appellatecases.courtinfo.ca.gov/search/case/mainCaseScreen.cfm?dist=2&doc_id=B331204",
			Title:        "Duarte v. Pacific Rental Group",
			Summary:      "Appellate ruling on habitability warranty waivers in standard lease forms.",
			Status:       "decided",
			Type:         domain.ItemCase,
			Jurisdiction: domain.Jurisdiction{Level: domain.LevelState, State: "CA"},
			Topics:       []string{"habitability"},
			Severity:     domain.SeverityMedium,
			CrossRefKey:  "us-ca-app-2026-441",
			PublishedAt:  str("2026-08-05T00:00:00Z"),
			Payload:      domain.Payload{Kind: domain.PayloadCase, Case: &domain.CasePayload{Court: "California Court of Appeal", DocketNumber: "B331204", Parties: []string{"Duarte", "Pacific Rental Group"}}},
		},
	},
	"hud-tribal": {
		{
			ExternalID:   "pih-2026-08",
			URL:          "https://www.hud.gov/program_offices/public_indian_housing/ih/codetalk/notices",
			Title:        "NAHASDA program guidance PIH-2026-08",
			Summary:      "Updated affordable housing activity eligibility under NAHASDA.",
			Status:       "published",
			Type:         domain.ItemNotice,
			Jurisdiction: domain.Jurisdiction{Level: domain.LevelTribal, Tribe: "navajo-nation"},
			Topics:       []string{"nahasda_core"},
			Severity:     domain.SeverityHigh,
			CrossRefKey:  "us-hud-pih-2026-08",
			PublishedAt:  str("2026-07-09T00:00:00Z"),
			Payload:      domain.Payload{Kind: domain.PayloadNotice, Notice: &domain.NoticePayload{Agency: "HUD ONAP", DocumentNumber: "PIH-2026-08"}},
		},
		{
			ExternalID:   "onap-lease-2026",
			URL:          "https://www.hud.gov/program_offices/public_indian_housing/ih/regs",
			Title:        "Model tribal lease addendum update",
			Summary:      "Revised model lease provisions for homes on trust land.",
			Status:       "final",
			Type:         domain.ItemRegulation,
			Jurisdiction: domain.Jurisdiction{Level: domain.LevelTribal, Tribe: "cherokee-nation"},
			Topics:       []string{"tribal_lease"},
			Severity:     domain.SeverityMedium,
			CrossRefKey:  "us-hud-onap-lease-2026",
			PublishedAt:  str("2026-07-25T00:00:00Z"),
			Payload:      domain.Payload{Kind: domain.PayloadRegulation, Regulation: &domain.RegulationPayload{Agency: "HUD ONAP", Docket: "ONAP-2026-03", Citation: "24 CFR 1000"}},
		},
		{
			ExternalID:   "2026-15210",
			URL:          "https://www.federalregister.gov/documents/2026/08/10/2026-15210",
			Title:        "IHBG allocation formula comment period",
			Summary:      "Comment period on Indian Housing Block Grant formula weights.",
			Status:       "published",
			Type:         domain.ItemNotice,
			Jurisdiction: domain.Jurisdiction{Level: domain.LevelFederal},
			Topics:       []string{"ihbg_allocation"},
			Severity:     domain.SeverityMedium,
			CrossRefKey:  "us-fr-2026-15210",
			PublishedAt:  str("2026-08-10T00:00:00Z"),
			Payload:      domain.Payload{Kind: domain.PayloadNotice, Notice: &domain.NoticePayload{Agency: "HUD", DocumentNumber: "2026-15210"}},
		},
	},
}
