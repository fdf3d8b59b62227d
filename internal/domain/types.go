// Package domain holds the data types shared across the cache, refresher,
// delta, and metrics components: EnvironmentKey, FeatureSet, DeltaEvent,
// MetricsBucket, ClientApplication, and RefreshTarget, as described by the
// system's data model.
package domain

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// EnvironmentKey identifies one cache slot: an upstream environment plus the
// canonical project scope that was used to populate it.
type EnvironmentKey struct {
	Environment  string
	ProjectScope string // "*" or a sorted comma-join of project names
}

func (k EnvironmentKey) String() string {
	return k.Environment + "/" + k.ProjectScope
}

// Feature is one flag record within a FeatureSet.
type Feature struct {
	Name    string `json:"name"`
	Project string `json:"project"`
	Enabled bool   `json:"enabled"`
	// Payload is the opaque, upstream-defined evaluation payload (strategies,
	// variants, constraints); it is never interpreted here.
	Payload map[string]any `json:"payload,omitempty"`
}

// Segment is one reusable constraint-group record within a FeatureSet.
type Segment struct {
	ID      int            `json:"id"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Query records the filter that produced a FeatureSet, echoed back verbatim
// by clients that re-request the same view.
type Query struct {
	Projects  []string `json:"projects,omitempty"`
	NamePrefix string  `json:"namePrefix,omitempty"`
}

// FeatureSet is the feature cache's per-environment entry.
type FeatureSet struct {
	Version  int       `json:"version"`
	Features []Feature `json:"features"`
	Segments []Segment `json:"segments"`
	Query    *Query    `json:"query,omitempty"`
}

// SortInPlace restores the name-sorted invariant required for deterministic
// serialization and stable ETags.
func (fs *FeatureSet) SortInPlace() {
	sort.Slice(fs.Features, func(i, j int) bool { return fs.Features[i].Name < fs.Features[j].Name })
	sort.Slice(fs.Segments, func(i, j int) bool { return fs.Segments[i].Name < fs.Segments[j].Name })
}

// Clone returns a deep-enough copy safe for a caller to mutate without
// affecting the cached original.
func (fs *FeatureSet) Clone() *FeatureSet {
	if fs == nil {
		return nil
	}
	out := &FeatureSet{Version: fs.Version, Query: fs.Query}
	out.Features = append([]Feature(nil), fs.Features...)
	out.Segments = append([]Segment(nil), fs.Segments...)
	return out
}

// FilterByProjects returns a copy of fs containing only features in
// projects (or every feature, if projects is empty/nil/contains "*").
func (fs *FeatureSet) FilterByProjects(projects []string) *FeatureSet {
	if fs == nil {
		return nil
	}
	if wildcardScope(projects) {
		return fs.Clone()
	}
	allow := make(map[string]struct{}, len(projects))
	for _, p := range projects {
		allow[p] = struct{}{}
	}
	out := &FeatureSet{Version: fs.Version, Segments: append([]Segment(nil), fs.Segments...), Query: fs.Query}
	for _, f := range fs.Features {
		if _, ok := allow[f.Project]; ok {
			out.Features = append(out.Features, f)
		}
	}
	return out
}

func wildcardScope(projects []string) bool {
	if len(projects) == 0 {
		return true
	}
	for _, p := range projects {
		if p == "*" {
			return true
		}
	}
	return false
}

// CanonicalProjectScope joins projects the way Environment Key requires:
// "*" if the set includes a wildcard, else the lexicographic join.
func CanonicalProjectScope(projects []string) string {
	if wildcardScope(projects) {
		return "*"
	}
	sorted := append([]string(nil), projects...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// DeltaEventKind discriminates the DeltaEvent tagged variant.
type DeltaEventKind int

const (
	EventFeatureUpdated DeltaEventKind = iota
	EventFeatureRemoved
	EventSegmentUpdated
	EventSegmentRemoved
	EventHydration
)

// DeltaEvent is one entry in a per-environment append-only event log.
type DeltaEvent struct {
	EventID uint32
	Kind    DeltaEventKind

	// FeatureUpdated
	Feature Feature
	// FeatureRemoved
	Project     string
	FeatureName string
	// SegmentUpdated
	Segment Segment
	// SegmentRemoved
	SegmentID int
	// Hydration
	Features []Feature
	Segments []Segment
}

// RefreshTarget is the refresher's per-EnvironmentKey bookkeeping record.
type RefreshTarget struct {
	Key           EnvironmentKey
	Token         string // representative token secret driving this target
	Projects      []string
	ETag          string
	LastRefreshAt time.Time
	LastCheckAt   time.Time
	FailureCount  int
	NextAttemptAt time.Time
}

// MetricsBucketKey identifies one usage-count accumulation bucket.
type MetricsBucketKey struct {
	AppName     string
	InstanceID  string
	Environment string
	FeatureName string
}

// MetricsBucket accumulates per-flag usage counts over a time window.
type MetricsBucket struct {
	Key            MetricsBucketKey
	WindowStart    time.Time
	WindowEnd      time.Time
	YesCount       int64
	NoCount        int64
	VariantCounts  map[string]int64
}

// ClientApplication records an SDK's last-seen registration metadata.
type ClientApplication struct {
	AppName    string
	InstanceID string
	SDKVersion string
	Strategies []string
	Started    time.Time
	Interval   time.Duration
	// ConnectVia names the chain of edge instances a registration or metrics
	// payload traversed before reaching this one, oldest hop first.
	ConnectVia []string
}

// LicenseState is the enterprise heartbeat's tri-state wire value. Unknown
// wire values must map to Invalid with a logged warning, per the canonical
// mapping chosen for this system.
type LicenseState int

const (
	LicenseValid LicenseState = iota
	LicenseInvalid
	LicenseExpired
)

func (s LicenseState) String() string {
	switch s {
	case LicenseValid:
		return "valid"
	case LicenseExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// currentLicenseState is the process-wide heartbeat result. It is the only
// mutable package-level state in the system besides the metrics registry.
var currentLicenseState atomic.Int32

// SetCurrentLicenseState records the latest heartbeat result.
func SetCurrentLicenseState(s LicenseState) { currentLicenseState.Store(int32(s)) }

// CurrentLicenseState reads the latest heartbeat result; LicenseValid until
// a heartbeat has run.
func CurrentLicenseState() LicenseState { return LicenseState(currentLicenseState.Load()) }

// ParseLicenseState maps a raw wire value to the canonical LicenseState,
// treating anything outside {0,1,2} as Invalid.
func ParseLicenseState(raw int) (state LicenseState, recognized bool) {
	switch raw {
	case 0:
		return LicenseValid, true
	case 1:
		return LicenseInvalid, true
	case 2:
		return LicenseExpired, true
	default:
		return LicenseInvalid, false
	}
}
