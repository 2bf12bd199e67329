package traffic

import (
	"errors"
	"testing"

	"github.com/danmuck/runctl/internal/resource"
	"github.com/google/go-cmp/cmp"
)

func TestPlanSingleEntryDefaultsRoundTrip(t *testing.T) {
	table, err := Plan([]resource.TrafficEntry{{Percent: resource.Ptr(100)}})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := RoutingTable{{Percent: 100}}
	if diff := cmp.Diff(want, table); diff != "" {
		t.Fatalf("routing table mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanOmittedPercentDefaultsTo100(t *testing.T) {
	table, err := Plan([]resource.TrafficEntry{{LatestRevision: resource.Ptr(true)}})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(table) != 1 || table[0].Percent != 100 {
		t.Fatalf("expected single 100%% route, got %+v", table)
	}
}

func TestPlanLatestRevisionOverridesRevisionName(t *testing.T) {
	table, err := Plan([]resource.TrafficEntry{{
		LatestRevision: resource.Ptr(true),
		RevisionName:   resource.Ptr("v1"),
	}})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if table[0].RevisionName != nil {
		t.Fatalf("expected revision name dropped, got %q", *table[0].RevisionName)
	}
	if table[0].LatestRevision == nil || !*table[0].LatestRevision {
		t.Fatalf("expected latest revision routing")
	}
}

func TestPlanFalsyLatestRevisionPassesNameThrough(t *testing.T) {
	table, err := Plan([]resource.TrafficEntry{
		{Percent: resource.Ptr(80), LatestRevision: resource.Ptr(false), RevisionName: resource.Ptr("svc-v1")},
		{Percent: resource.Ptr(20), RevisionName: resource.Ptr("svc-v2"), Tag: resource.Ptr("canary")},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := RoutingTable{
		{Percent: 80, LatestRevision: resource.Ptr(false), RevisionName: resource.Ptr("svc-v1")},
		{Percent: 20, RevisionName: resource.Ptr("svc-v2"), Tag: resource.Ptr("canary")},
	}
	if diff := cmp.Diff(want, table); diff != "" {
		t.Fatalf("routing table mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanRejectsSumNot100(t *testing.T) {
	_, err := Plan([]resource.TrafficEntry{
		{Percent: resource.Ptr(50), RevisionName: resource.Ptr("a")},
		{Percent: resource.Ptr(40), RevisionName: resource.Ptr("b")},
	})
	if !errors.Is(err, resource.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPlanRejectsEmpty(t *testing.T) {
	if _, err := Plan(nil); !errors.Is(err, resource.ErrValidation) {
		t.Fatalf("expected validation error for empty split, got %v", err)
	}
}

func TestPlanRejectsMissingRevisionReference(t *testing.T) {
	_, err := Plan([]resource.TrafficEntry{
		{Percent: resource.Ptr(50), LatestRevision: resource.Ptr(true)},
		{Percent: resource.Ptr(50)},
	})
	var verr *resource.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if verr.Field != "traffic[1]" {
		t.Fatalf("unexpected field: %q", verr.Field)
	}
}

func TestPlanRejectsDuplicateTag(t *testing.T) {
	_, err := Plan([]resource.TrafficEntry{
		{Percent: resource.Ptr(50), RevisionName: resource.Ptr("a"), Tag: resource.Ptr("blue")},
		{Percent: resource.Ptr(50), RevisionName: resource.Ptr("b"), Tag: resource.Ptr("blue")},
	})
	if !errors.Is(err, resource.ErrValidation) {
		t.Fatalf("expected validation error for duplicate tag, got %v", err)
	}
}

func TestPlanRejectsBlankTag(t *testing.T) {
	for _, tag := range []string{"", "  "} {
		_, err := Plan([]resource.TrafficEntry{
			{Percent: resource.Ptr(100), LatestRevision: resource.Ptr(true), Tag: resource.Ptr(tag)},
		})
		var verr *resource.ValidationError
		if !errors.As(err, &verr) || verr.Field != "traffic[0].tag" {
			t.Fatalf("expected traffic[0].tag validation error for %q, got %v", tag, err)
		}
	}
}

func TestPlanRejectsOutOfRangePercent(t *testing.T) {
	_, err := Plan([]resource.TrafficEntry{
		{Percent: resource.Ptr(120), RevisionName: resource.Ptr("a")},
		{Percent: resource.Ptr(-20), RevisionName: resource.Ptr("b")},
	})
	if !errors.Is(err, resource.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFirstRevisionName(t *testing.T) {
	if _, ok := FirstRevisionName(nil); ok {
		t.Fatalf("expected no revision name for empty split")
	}
	if _, ok := FirstRevisionName(LatestOnly()); ok {
		t.Fatalf("expected no revision name for latest-only split")
	}
	name, ok := FirstRevisionName([]resource.TrafficEntry{{RevisionName: resource.Ptr("v7")}})
	if !ok || name != "v7" {
		t.Fatalf("unexpected revision name %q ok=%v", name, ok)
	}
}
