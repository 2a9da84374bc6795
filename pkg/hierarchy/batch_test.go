package hierarchy

import (
	"context"
	"fmt"
	"testing"

	"github.com/sinanour/cultivate-sub007/pkg/areatree"
	"github.com/sinanour/cultivate-sub007/pkg/authz"
	"github.com/sinanour/cultivate-sub007/pkg/models"
	"github.com/sinanour/cultivate-sub007/pkg/rulestore"
)

const (
	idCountry  = "00000000-0000-4000-8000-000000000001"
	idRegion   = "00000000-0000-4000-8000-000000000002"
	idCity     = "00000000-0000-4000-8000-000000000003"
	idDistrict = "00000000-0000-4000-8000-000000000004"
	idOther    = "00000000-0000-4000-8000-000000000005"
	idMissing  = "00000000-0000-4000-8000-0000000000ff"
)

func queryWith(t *testing.T, rules ...models.AuthorizationRule) *BatchQuery {
	t.Helper()
	ptr := func(s string) *string { return &s }
	tree, err := areatree.New([]models.GeographicArea{
		{ID: idCountry, Name: "Country", AreaType: "COUNTRY"},
		{ID: idRegion, Name: "Region", AreaType: "REGION", ParentAreaID: ptr(idCountry)},
		{ID: idCity, Name: "City", AreaType: "CITY", ParentAreaID: ptr(idRegion)},
		{ID: idDistrict, Name: "District", AreaType: "DISTRICT", ParentAreaID: ptr(idCity)},
		{ID: idOther, Name: "Other", AreaType: "REGION", ParentAreaID: ptr(idCountry)},
	})
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	store := rulestore.NewMemory()
	for _, r := range rules {
		if _, err := store.Create(context.Background(), r.UserID, r.GeographicAreaID, r.RuleType, "test"); err != nil {
			t.Fatalf("seed rule: %v", err)
		}
	}
	return &BatchQuery{Eval: &authz.Evaluator{Areas: &areatree.StaticSource{Snapshot: tree}, Rules: store}}
}

func TestBatchSizeBounds(t *testing.T) {
	q := queryWith(t)
	req := Requester{UserID: "u1"}
	if _, err := q.BatchDetails(context.Background(), req, nil); !models.IsValidation(err) {
		t.Fatalf("empty details batch: %v", err)
	}
	if _, err := q.BatchAncestors(context.Background(), req, nil); !models.IsValidation(err) {
		t.Fatalf("empty ancestors batch: %v", err)
	}
	big := make([]string, maxBatchSize+1)
	for i := range big {
		big[i] = fmt.Sprintf("00000000-0000-4000-8000-%012x", i)
	}
	if _, err := q.BatchDescendants(context.Background(), req, big); !models.IsValidation(err) {
		t.Fatalf("oversized descendants batch: %v", err)
	}
	// descendants allows an empty input
	out, err := q.BatchDescendants(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("empty descendants batch: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty result, got %v", out)
	}
}

func TestBatchRejectsMalformedIDs(t *testing.T) {
	q := queryWith(t)
	_, err := q.BatchDetails(context.Background(), Requester{UserID: "u1"}, []string{"not-a-uuid"})
	if !models.IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestBatchDetailsOmitsUnknownAndUnauthorized(t *testing.T) {
	q := queryWith(t,
		models.AuthorizationRule{UserID: "u1", GeographicAreaID: idRegion, RuleType: models.RuleAllow},
	)
	out, err := q.BatchDetails(context.Background(), Requester{UserID: "u1"}, []string{idRegion, idOther, idMissing})
	if err != nil {
		t.Fatalf("batch details: %v", err)
	}
	if _, ok := out[idRegion]; !ok {
		t.Fatal("allowed area missing from result")
	}
	if _, ok := out[idOther]; ok {
		t.Fatal("unauthorized area leaked into result")
	}
	if _, ok := out[idMissing]; ok {
		t.Fatal("unknown area leaked into result")
	}
	if out[idRegion].ChildCount != 1 {
		t.Fatalf("region child count = %d, want 1", out[idRegion].ChildCount)
	}
}

func TestBatchDetailsAdminSeesEverything(t *testing.T) {
	q := queryWith(t,
		models.AuthorizationRule{UserID: "u1", GeographicAreaID: idRegion, RuleType: models.RuleDeny},
	)
	out, err := q.BatchDetails(context.Background(), Requester{UserID: "u1", Admin: true}, []string{idRegion, idOther})
	if err != nil {
		t.Fatalf("batch details: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("admin result = %v", out)
	}
}

func TestBatchAncestorsSingleHop(t *testing.T) {
	q := queryWith(t)
	out, err := q.BatchAncestors(context.Background(), Requester{UserID: "u1"}, []string{idDistrict, idCountry})
	if err != nil {
		t.Fatalf("batch ancestors: %v", err)
	}
	if p := out[idDistrict]; p == nil || *p != idCity {
		t.Fatalf("district parent = %v", p)
	}
	if p, ok := out[idCountry]; !ok || p != nil {
		t.Fatalf("root parent = %v present=%v", p, ok)
	}
}

func TestBatchDescendantsExcludesInputs(t *testing.T) {
	q := queryWith(t)
	out, err := q.BatchDescendants(context.Background(), Requester{UserID: "u1"}, []string{idRegion, idCity})
	if err != nil {
		t.Fatalf("batch descendants: %v", err)
	}
	want := map[string]bool{idCity: false, idDistrict: true, idRegion: false}
	for _, id := range out {
		if in, known := want[id]; known && !in {
			t.Fatalf("input id %s appeared in descendants %v", id, out)
		}
	}
	found := false
	for _, id := range out {
		if id == idDistrict {
			found = true
		}
	}
	if !found {
		t.Fatalf("district missing from %v", out)
	}
}

func TestBatchDescendantsFiltersUnauthorized(t *testing.T) {
	q := queryWith(t,
		models.AuthorizationRule{UserID: "u1", GeographicAreaID: idRegion, RuleType: models.RuleAllow},
		models.AuthorizationRule{UserID: "u1", GeographicAreaID: idCity, RuleType: models.RuleDeny},
	)
	out, err := q.BatchDescendants(context.Background(), Requester{UserID: "u1"}, []string{idRegion})
	if err != nil {
		t.Fatalf("batch descendants: %v", err)
	}
	for _, id := range out {
		if id == idCity || id == idDistrict {
			t.Fatalf("denied subtree leaked: %v", out)
		}
	}
}
