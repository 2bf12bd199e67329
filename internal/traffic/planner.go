// Package traffic resolves traffic-split entries into a validated routing table.
package traffic

import (
	"fmt"
	"strings"

	"github.com/danmuck/runctl/internal/resource"
)

// DefaultPercent applies when an entry omits its percent.
const DefaultPercent = 100

// RoutingTable is the resolved, percentage-summing traffic split.
type RoutingTable []resource.Route

// Plan resolves entries into a routing table.
//
// Percent defaults to 100. A truthy LatestRevision forces RevisionName to nil.
// The table must sum to exactly 100 and every entry must name a revision
// unless it routes to the latest one.
func Plan(entries []resource.TrafficEntry) (RoutingTable, error) {
	out := make(RoutingTable, 0, len(entries))
	tags := make(map[string]int, len(entries))
	sum := 0
	for i, e := range entries {
		field := fmt.Sprintf("traffic[%d]", i)

		percent := DefaultPercent
		if e.Percent != nil {
			percent = *e.Percent
		}
		if percent < 0 || percent > 100 {
			return nil, resource.Invalid(field+".percent", "must be within 0..100, got %d", percent)
		}
		sum += percent

		route := resource.Route{Percent: percent}
		latest := e.LatestRevision != nil && *e.LatestRevision
		if e.LatestRevision != nil {
			route.LatestRevision = resource.Ptr(*e.LatestRevision)
		}
		if !latest {
			switch {
			case e.RevisionName != nil && strings.TrimSpace(*e.RevisionName) != "":
				route.RevisionName = resource.Ptr(*e.RevisionName)
			case len(entries) == 1 && e.LatestRevision == nil && e.RevisionName == nil:
				// bare single entry: passes through with no revision reference
			default:
				return nil, resource.Invalid(field, "revision_name is required unless latest_revision is true")
			}
		}

		if e.Tag != nil {
			tag := *e.Tag
			if strings.TrimSpace(tag) == "" {
				return nil, resource.Invalid(field+".tag", "must not be blank")
			}
			if prev, dup := tags[tag]; dup {
				return nil, resource.Invalid(field+".tag", "tag %q already used by traffic[%d]", tag, prev)
			}
			tags[tag] = i
			route.Tag = resource.Ptr(tag)
		}
		out = append(out, route)
	}
	if sum != 100 {
		return nil, resource.Invalid("traffic", "percent must sum to 100, got %d", sum)
	}
	return out, nil
}

// FirstRevisionName returns the revision name of the first entry, if any.
func FirstRevisionName(entries []resource.TrafficEntry) (string, bool) {
	if len(entries) == 0 {
		return "", false
	}
	first := entries[0]
	if first.LatestRevision != nil && *first.LatestRevision {
		return "", false
	}
	if first.RevisionName == nil || strings.TrimSpace(*first.RevisionName) == "" {
		return "", false
	}
	return *first.RevisionName, true
}

// LatestOnly is the default split: all traffic to the latest revision.
func LatestOnly() []resource.TrafficEntry {
	return []resource.TrafficEntry{{
		Percent:        resource.Ptr(DefaultPercent),
		LatestRevision: resource.Ptr(true),
	}}
}
