package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/sinanour/cultivate-sub007/pkg/areatree"
	"github.com/sinanour/cultivate-sub007/pkg/models"
	"github.com/sinanour/cultivate-sub007/pkg/rulestore"
)

// fixture: country > region > city > district > block, plus a sibling city
// and a second root.
//
//	country
//	  region
//	    city
//	      district
//	        block
//	    othercity
//	other-root
func testTree(t *testing.T) *areatree.Tree {
	t.Helper()
	ptr := func(s string) *string { return &s }
	tree, err := areatree.New([]models.GeographicArea{
		{ID: "country", Name: "Country", AreaType: "COUNTRY"},
		{ID: "region", Name: "Region", AreaType: "REGION", ParentAreaID: ptr("country")},
		{ID: "city", Name: "City", AreaType: "CITY", ParentAreaID: ptr("region")},
		{ID: "district", Name: "District", AreaType: "DISTRICT", ParentAreaID: ptr("city")},
		{ID: "block", Name: "Block", AreaType: "BLOCK", ParentAreaID: ptr("district")},
		{ID: "othercity", Name: "Other City", AreaType: "CITY", ParentAreaID: ptr("region")},
		{ID: "other-root", Name: "Elsewhere", AreaType: "COUNTRY"},
	})
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	return tree
}

func evaluatorWith(t *testing.T, tree *areatree.Tree, rules ...models.AuthorizationRule) *Evaluator {
	t.Helper()
	store := rulestore.NewMemory()
	for _, r := range rules {
		if _, err := store.Create(context.Background(), r.UserID, r.GeographicAreaID, r.RuleType, "test"); err != nil {
			t.Fatalf("seed rule: %v", err)
		}
	}
	return &Evaluator{Areas: &areatree.StaticSource{Snapshot: tree}, Rules: store}
}

func rule(userID, areaID string, rt models.RuleType) models.AuthorizationRule {
	return models.AuthorizationRule{UserID: userID, GeographicAreaID: areaID, RuleType: rt}
}

func TestNoRulesMeansFullEverywhere(t *testing.T) {
	e := evaluatorWith(t, testTree(t))
	for _, area := range []string{"country", "city", "block", "other-root"} {
		level, err := e.Evaluate(context.Background(), "u1", area)
		if err != nil {
			t.Fatalf("evaluate %s: %v", area, err)
		}
		if level != models.AccessFull {
			t.Fatalf("area %s: got %s, want FULL", area, level)
		}
	}
	info, err := e.BuildInfo(context.Background(), "u1")
	if err != nil {
		t.Fatalf("build info: %v", err)
	}
	if info.HasRestrictions {
		t.Fatal("unrestricted user reported as restricted")
	}
	if len(info.AuthorizedAreaIDs) != 0 {
		t.Fatalf("unrestricted user should carry no area set, got %v", info.AuthorizedAreaIDs)
	}
}

func TestAllowCountryDenyCity(t *testing.T) {
	e := evaluatorWith(t, testTree(t),
		rule("u1", "country", models.RuleAllow),
		rule("u1", "city", models.RuleDeny),
	)
	want := map[string]models.AccessLevel{
		"country":    models.AccessFull,
		"region":     models.AccessFull,
		"othercity":  models.AccessFull,
		"city":       models.AccessNone,
		"district":   models.AccessNone,
		"block":      models.AccessNone,
		"other-root": models.AccessNone,
	}
	for area, lvl := range want {
		got, err := e.Evaluate(context.Background(), "u1", area)
		if err != nil {
			t.Fatalf("evaluate %s: %v", area, err)
		}
		if got != lvl {
			t.Fatalf("area %s: got %s, want %s", area, got, lvl)
		}
	}
}

func TestAllowDeepAreaGivesAncestorsReadOnly(t *testing.T) {
	e := evaluatorWith(t, testTree(t), rule("u1", "block", models.RuleAllow))
	want := map[string]models.AccessLevel{
		"block":      models.AccessFull,
		"district":   models.AccessReadOnly,
		"city":       models.AccessReadOnly,
		"region":     models.AccessReadOnly,
		"country":    models.AccessReadOnly,
		"othercity":  models.AccessNone,
		"other-root": models.AccessNone,
	}
	for area, lvl := range want {
		got, err := e.Evaluate(context.Background(), "u1", area)
		if err != nil {
			t.Fatalf("evaluate %s: %v", area, err)
		}
		if got != lvl {
			t.Fatalf("area %s: got %s, want %s", area, got, lvl)
		}
	}
}

func TestDenyOnlyUserSeesNothing(t *testing.T) {
	e := evaluatorWith(t, testTree(t), rule("u1", "block", models.RuleDeny))
	for _, area := range []string{"country", "region", "city", "district", "block", "othercity", "other-root"} {
		got, err := e.Evaluate(context.Background(), "u1", area)
		if err != nil {
			t.Fatalf("evaluate %s: %v", area, err)
		}
		if got != models.AccessNone {
			t.Fatalf("area %s: got %s, want NONE", area, got)
		}
	}
	info, err := e.BuildInfo(context.Background(), "u1")
	if err != nil {
		t.Fatalf("build info: %v", err)
	}
	if !info.HasRestrictions || len(info.AuthorizedAreaIDs) != 0 {
		t.Fatalf("deny-only user: %+v", info)
	}
}

func TestDenyOnPathBeatsAllowBelow(t *testing.T) {
	// DENY(city) cuts off ALLOW(block) even though block is below the allow.
	e := evaluatorWith(t, testTree(t),
		rule("u1", "city", models.RuleDeny),
		rule("u1", "block", models.RuleAllow),
	)
	for _, area := range []string{"city", "district", "block"} {
		got, err := e.Evaluate(context.Background(), "u1", area)
		if err != nil {
			t.Fatalf("evaluate %s: %v", area, err)
		}
		if got != models.AccessNone {
			t.Fatalf("area %s: got %s, want NONE", area, got)
		}
	}
	// The denied allow must not leak READ_ONLY to ancestors either.
	for _, area := range []string{"region", "country"} {
		got, err := e.Evaluate(context.Background(), "u1", area)
		if err != nil {
			t.Fatalf("evaluate %s: %v", area, err)
		}
		if got != models.AccessNone {
			t.Fatalf("ancestor %s: got %s, want NONE", area, got)
		}
	}
}

func TestDisjointBranches(t *testing.T) {
	e := evaluatorWith(t, testTree(t),
		rule("u1", "othercity", models.RuleAllow),
		rule("u1", "other-root", models.RuleAllow),
	)
	want := map[string]models.AccessLevel{
		"othercity":  models.AccessFull,
		"other-root": models.AccessFull,
		"region":     models.AccessReadOnly,
		"country":    models.AccessReadOnly,
		"city":       models.AccessNone,
		"block":      models.AccessNone,
	}
	for area, lvl := range want {
		got, err := e.Evaluate(context.Background(), "u1", area)
		if err != nil {
			t.Fatalf("evaluate %s: %v", area, err)
		}
		if got != lvl {
			t.Fatalf("area %s: got %s, want %s", area, got, lvl)
		}
	}
}

func TestUnknownAreaIsNotFound(t *testing.T) {
	e := evaluatorWith(t, testTree(t), rule("u1", "country", models.RuleAllow))
	_, err := e.Evaluate(context.Background(), "u1", "nowhere")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestAuthorizedSetMatchesEvaluation(t *testing.T) {
	cases := []struct {
		name  string
		rules []models.AuthorizationRule
	}{
		{"allow country deny city", []models.AuthorizationRule{
			rule("u1", "country", models.RuleAllow),
			rule("u1", "city", models.RuleDeny),
		}},
		{"allow block", []models.AuthorizationRule{
			rule("u1", "block", models.RuleAllow),
		}},
		{"deny only", []models.AuthorizationRule{
			rule("u1", "region", models.RuleDeny),
		}},
		{"disjoint allows", []models.AuthorizationRule{
			rule("u1", "othercity", models.RuleAllow),
			rule("u1", "other-root", models.RuleAllow),
		}},
		{"nested allow under deny-free allow", []models.AuthorizationRule{
			rule("u1", "region", models.RuleAllow),
			rule("u1", "district", models.RuleAllow),
		}},
	}
	tree := testTree(t)
	allAreas := []string{"country", "region", "city", "district", "block", "othercity", "other-root"}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := evaluatorWith(t, tree, tc.rules...)
			snap, err := e.Snapshot(context.Background(), "u1")
			if err != nil {
				t.Fatalf("snapshot: %v", err)
			}
			set, err := snap.AuthorizedAreas()
			if err != nil {
				t.Fatalf("authorized areas: %v", err)
			}
			for _, area := range allAreas {
				lvl, err := snap.Evaluate(area)
				if err != nil {
					t.Fatalf("evaluate %s: %v", area, err)
				}
				_, member := set[area]
				if member != (lvl == models.AccessFull) {
					t.Fatalf("area %s: member=%v but level=%s", area, member, lvl)
				}
			}
		})
	}
}

func TestInfoIsSorted(t *testing.T) {
	e := evaluatorWith(t, testTree(t), rule("u1", "region", models.RuleAllow))
	info, err := e.BuildInfo(context.Background(), "u1")
	if err != nil {
		t.Fatalf("build info: %v", err)
	}
	if !info.HasRestrictions {
		t.Fatal("want restrictions")
	}
	for i := 1; i < len(info.AuthorizedAreaIDs); i++ {
		if info.AuthorizedAreaIDs[i-1] >= info.AuthorizedAreaIDs[i] {
			t.Fatalf("ids not strictly sorted: %v", info.AuthorizedAreaIDs)
		}
	}
	// region's subtree: region, city, district, block, othercity
	if len(info.AuthorizedAreaIDs) != 5 {
		t.Fatalf("got %v", info.AuthorizedAreaIDs)
	}
	if !info.Authorized("district") || info.Authorized("country") {
		t.Fatalf("membership lookups wrong: %v", info.AuthorizedAreaIDs)
	}
}

func TestRuledAreaAccessAnnotatesEffectiveLevels(t *testing.T) {
	e := evaluatorWith(t, testTree(t),
		rule("u1", "country", models.RuleAllow),
		rule("u1", "city", models.RuleDeny),
	)
	access, err := e.AuthorizedAreaAccess(context.Background(), "u1")
	if err != nil {
		t.Fatalf("authorized area access: %v", err)
	}
	if len(access) != 2 {
		t.Fatalf("got %v", access)
	}
	// sorted by area id: city before country
	if access[0].AreaID != "city" || access[0].AccessLevel != models.AccessNone {
		t.Fatalf("city access = %+v", access[0])
	}
	if access[1].AreaID != "country" || access[1].AccessLevel != models.AccessFull {
		t.Fatalf("country access = %+v", access[1])
	}
}

func TestRuledAreaAccessSkipsUnknownAreas(t *testing.T) {
	store := rulestore.NewMemory()
	if _, err := store.Create(context.Background(), "u1", "ghost", models.RuleAllow, "test"); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	if _, err := store.Create(context.Background(), "u1", "region", models.RuleAllow, "test"); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	e := &Evaluator{Areas: &areatree.StaticSource{Snapshot: testTree(t)}, Rules: store}
	access, err := e.AuthorizedAreaAccess(context.Background(), "u1")
	if err != nil {
		t.Fatalf("authorized area access: %v", err)
	}
	if len(access) != 1 || access[0].AreaID != "region" || access[0].AccessLevel != models.AccessFull {
		t.Fatalf("got %v", access)
	}
}
