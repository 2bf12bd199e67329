package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/runctl/internal/resource"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// DefaultIgnoredAnnotations are written by the control plane after creation
// and must never trigger an update.
var DefaultIgnoredAnnotations = []string{
	"client.knative.dev/user-image",
	"run.googleapis.com/client-name",
	"run.googleapis.com/client-version",
	"run.googleapis.com/ingress-status",
	"run.googleapis.com/operation-id",
	"serving.knative.dev/creator",
	"serving.knative.dev/lastModifier",
}

// pathReporter collects the paths of unequal leaves.
type pathReporter struct {
	path  cmp.Path
	diffs []string
}

func (r *pathReporter) PushStep(ps cmp.PathStep) {
	r.path = append(r.path, ps)
}

func (r *pathReporter) Report(rs cmp.Result) {
	if !rs.Equal() {
		r.diffs = append(r.diffs, formatPath(r.path))
	}
}

func (r *pathReporter) PopStep() {
	r.path = r.path[:len(r.path)-1]
}

// unsetBoolIsFalse equates a nil *bool with false. Control planes drop false
// booleans on the wire, so the two cannot be told apart after a round trip.
var unsetBoolIsFalse = cmp.Comparer(func(a, b *bool) bool {
	return (a != nil && *a) == (b != nil && *b)
})

// Diff returns the sorted field paths that differ between desired and
// remote after removing ignored annotation keys from both sides. Fields
// desired leaves unset are compared against the remote value, so server
// defaults do not count as drift.
func Diff(desired, remote resource.Document, ignored map[string]struct{}) []string {
	d := stripIgnored(adoptServerDefaults(desired, remote), ignored)
	r := stripIgnored(remote, ignored)
	r.Traffic = withImplicitLatest(r.Traffic)
	rep := &pathReporter{}
	cmp.Equal(d, r, cmpopts.EquateEmpty(), unsetBoolIsFalse, cmp.Reporter(rep))
	out := dedupe(rep.diffs)
	sort.Strings(out)
	return out
}

// formatPath renders a step path as Template.Containers[0].Image.
func formatPath(p cmp.Path) string {
	var b strings.Builder
	for _, step := range p {
		switch s := step.(type) {
		case cmp.StructField:
			b.WriteString(".")
			b.WriteString(s.Name())
		case cmp.SliceIndex:
			ix := s.Key()
			if ix < 0 {
				x, y := s.SplitKeys()
				ix = max(x, y)
			}
			fmt.Fprintf(&b, "[%d]", ix)
		case cmp.MapIndex:
			fmt.Fprintf(&b, "[%v]", s.Key())
		}
	}
	return strings.TrimPrefix(b.String(), ".")
}

func stripIgnored(doc resource.Document, ignored map[string]struct{}) resource.Document {
	out := doc
	out.Annotations = withoutKeys(doc.Annotations, ignored)
	out.Template.Annotations = withoutKeys(doc.Template.Annotations, ignored)
	return out
}

func withoutKeys(in map[string]string, ignored map[string]struct{}) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if _, skip := ignored[k]; skip {
			continue
		}
		out[k] = v
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
