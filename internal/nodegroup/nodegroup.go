// Package nodegroup maps the node groups a backup was taken on to the node
// groups of the cluster it is restored into.
package nodegroup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pingcap/errors"
	"restorable.io/cluster-restore/internal/schema"
)

// MaxNodeGroups is the largest node-group count a cluster can have.
const MaxNodeGroups = 72

var (
	ErrZeroNodeGroups    = errors.Normalize("node group count must be positive, got %d original and %d target", errors.RFCCodeText("Restore:NodeGroup:ErrZeroNodeGroups"))
	ErrTooManyNodeGroups = errors.Normalize("node group count %d exceeds the maximum of %d", errors.RFCCodeText("Restore:NodeGroup:ErrTooManyNodeGroups"))
	ErrInvalidOverride   = errors.Normalize("invalid node group override %d -> %d", errors.RFCCodeText("Restore:NodeGroup:ErrInvalidOverride"))
	ErrUnplaceable       = errors.Normalize("target node group %d has no live replicas", errors.RFCCodeText("Restore:NodeGroup:ErrUnplaceable"))
)

// Map is an immutable original -> target node-group table. Build it with New.
type Map struct {
	targets     []uint32
	targetCount uint32
}

// Placement is where a fragment of a table lands on the target cluster.
type Placement struct {
	NodeGroup uint32
	Fragment  uint32
}

type options struct {
	overrides map[uint32]uint32
	replicas  []int
}

// Option configures New.
type Option func(*options)

// WithOverrides pins individual original node groups to a target node group.
func WithOverrides(overrides map[uint32]uint32) Option {
	return func(o *options) {
		o.overrides = overrides
	}
}

// WithTargetReplicas supplies the number of live replicas of every target node group.
// Construction fails if a node group that receives fragments has none.
func WithTargetReplicas(replicas []int) Option {
	return func(o *options) {
		o.replicas = replicas
	}
}

// New builds the map. Equal counts give the identity map, otherwise original
// group g goes to g mod targetCount, unless overridden.
func New(originalCount, targetCount uint32, opts ...Option) (*Map, error) {
	if originalCount == 0 || targetCount == 0 {
		return nil, ErrZeroNodeGroups.GenWithStackByArgs(originalCount, targetCount)
	}
	if originalCount > MaxNodeGroups {
		return nil, ErrTooManyNodeGroups.GenWithStackByArgs(originalCount, MaxNodeGroups)
	}
	if targetCount > MaxNodeGroups {
		return nil, ErrTooManyNodeGroups.GenWithStackByArgs(targetCount, MaxNodeGroups)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	targets := make([]uint32, originalCount)
	for g := uint32(0); g < originalCount; g++ {
		targets[g] = g % targetCount
	}
	for from, to := range o.overrides {
		if from >= originalCount || to >= targetCount {
			return nil, ErrInvalidOverride.GenWithStackByArgs(from, to)
		}
		targets[from] = to
	}

	if o.replicas != nil {
		if uint32(len(o.replicas)) != targetCount {
			return nil, errors.Errorf("replica counts given for %d node groups, target has %d", len(o.replicas), targetCount)
		}
		for _, to := range targets {
			if o.replicas[to] <= 0 {
				return nil, ErrUnplaceable.GenWithStackByArgs(to)
			}
		}
	}

	return &Map{targets: targets, targetCount: targetCount}, nil
}

// Len is the original node-group count.
func (m *Map) Len() int {
	return len(m.targets)
}

// TargetCount is the target node-group count.
func (m *Map) TargetCount() uint32 {
	return m.targetCount
}

// Contains reports whether g is an original node group known to the map.
func (m *Map) Contains(g uint32) bool {
	return g < uint32(len(m.targets))
}

// Target returns the target node group of original group g.
// g must satisfy Contains.
func (m *Map) Target(g uint32) uint32 {
	return m.targets[g]
}

// Identity reports whether every original group maps to itself.
func (m *Map) Identity() bool {
	if uint32(len(m.targets)) != m.targetCount {
		return false
	}
	for g, to := range m.targets {
		if uint32(g) != to {
			return false
		}
	}
	return true
}

// Slice returns a copy of the mapping array.
func (m *Map) Slice() []uint32 {
	return append([]uint32(nil), m.targets...)
}

// Validate checks that every fragment of t was taken on a node group the map knows.
func (m *Map) Validate(t *schema.Table) error {
	for frag, g := range t.FragmentNodeGroups {
		if !m.Contains(g) {
			return errors.Errorf("table %s fragment %d was on node group %d, backup has %d node groups",
				t.QualifiedName(), frag, g, len(m.targets))
		}
	}
	return nil
}

// Place returns the target placement of a fragment of t.
func (m *Map) Place(t *schema.Table, fragmentID uint32) (Placement, error) {
	g, err := t.OriginalNodeGroup(fragmentID)
	if err != nil {
		return Placement{}, errors.Trace(err)
	}
	if !m.Contains(g) {
		return Placement{}, errors.Errorf("table %s fragment %d: unknown original node group %d",
			t.QualifiedName(), fragmentID, g)
	}
	return Placement{NodeGroup: m.targets[g], Fragment: fragmentID}, nil
}

// Remap returns a copy of t whose fragments carry their target node groups.
func (m *Map) Remap(t *schema.Table) (*schema.Table, error) {
	if err := m.Validate(t); err != nil {
		return nil, err
	}
	out := t.Clone()
	for i, g := range out.FragmentNodeGroups {
		out.FragmentNodeGroups[i] = m.targets[g]
	}
	return out, nil
}

// String renders the map as "0->0 1->0".
func (m *Map) String() string {
	parts := make([]string, len(m.targets))
	for g, to := range m.targets {
		parts[g] = fmt.Sprintf("%d->%d", g, to)
	}
	return strings.Join(parts, " ")
}

// ParseOverrides parses "(0,1)(2,0)" into an override map.
func ParseOverrides(s string) (map[uint32]uint32, error) {
	out := make(map[uint32]uint32)
	rest := strings.TrimSpace(s)
	for rest != "" {
		if rest[0] != '(' {
			return nil, errors.Errorf("node group map %q: expected '('", s)
		}
		end := strings.IndexByte(rest, ')')
		if end < 0 {
			return nil, errors.Errorf("node group map %q: missing ')'", s)
		}
		var from, to uint32
		if _, err := fmt.Sscanf(rest[1:end], "%d,%d", &from, &to); err != nil {
			return nil, errors.Annotatef(err, "node group map %q", s)
		}
		if _, dup := out[from]; dup {
			return nil, errors.Errorf("node group map %q: node group %d mapped twice", s, from)
		}
		out[from] = to
		rest = strings.TrimSpace(rest[end+1:])
	}
	return out, nil
}

// FormatOverrides is the inverse of ParseOverrides, sorted by source group.
func FormatOverrides(overrides map[uint32]uint32) string {
	keys := make([]uint32, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "(%d,%d)", k, overrides[k])
	}
	return b.String()
}
