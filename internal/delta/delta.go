// Package delta implements the append-only per-environment event log,
// its diff algorithm, retention, and filtered read API.
package delta

import (
	"reflect"
	"sync"

	"github.com/flagedge/edge/internal/domain"
)

// Filter selects which events a subscriber or request should see. A nil
// Projects or empty NamePrefix means "no constraint on that dimension".
type Filter struct {
	Projects   []string
	NamePrefix string
}

func (f Filter) matchesProject(project string) bool {
	if len(f.Projects) == 0 {
		return true
	}
	for _, p := range f.Projects {
		if p == "*" || p == project {
			return true
		}
	}
	return false
}

func (f Filter) matchesName(name string) bool {
	if f.NamePrefix == "" {
		return true
	}
	return len(name) >= len(f.NamePrefix) && name[:len(f.NamePrefix)] == f.NamePrefix
}

// Matches implements the combined filter from the delta read API:
// segment events always pass; feature events must match project and name.
func (f Filter) Matches(ev domain.DeltaEvent) bool {
	switch ev.Kind {
	case domain.EventSegmentUpdated, domain.EventSegmentRemoved, domain.EventHydration:
		return true
	case domain.EventFeatureUpdated:
		return f.matchesProject(ev.Feature.Project) && f.matchesName(ev.Feature.Name)
	case domain.EventFeatureRemoved:
		return f.matchesProject(ev.Project) && f.matchesName(ev.FeatureName)
	default:
		return true
	}
}

type log struct {
	mu         sync.Mutex
	events     []domain.DeltaEvent
	nextID     uint32
	oldestID   uint32 // id of the oldest retained non-hydration event
	maxSize    int
	lastFeatures []domain.Feature
	lastSegments []domain.Segment
}

// Engine owns one event log per environment.
type Engine struct {
	maxSize int

	mu   sync.Mutex
	logs map[domain.EnvironmentKey]*log
}

// New returns an Engine whose per-environment logs retain up to maxSize
// events before rolling a new Hydration base.
func New(maxSize int) *Engine {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Engine{maxSize: maxSize, logs: make(map[domain.EnvironmentKey]*log)}
}

func (e *Engine) logFor(key domain.EnvironmentKey) *log {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.logs[key]
	if !ok {
		l = &log{maxSize: e.maxSize}
		e.logs[key] = l
	}
	return l
}

// Diff computes and appends the event sequence transforming old into next
// for the given environment, returning the newly appended events.
func (e *Engine) Diff(key domain.EnvironmentKey, old, next *domain.FeatureSet) []domain.DeltaEvent {
	l := e.logFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	var oldFeatures []domain.Feature
	var oldSegments []domain.Segment
	if old != nil {
		oldFeatures, oldSegments = old.Features, old.Segments
	}

	var appended []domain.DeltaEvent
	appended = append(appended, diffFeatures(oldFeatures, next.Features, l)...)
	appended = append(appended, diffSegments(oldSegments, next.Segments, l)...)

	for _, ev := range appended {
		l.events = append(l.events, ev)
	}
	l.lastFeatures = append([]domain.Feature(nil), next.Features...)
	l.lastSegments = append([]domain.Segment(nil), next.Segments...)
	e.enforceRetention(l)
	return appended
}

func diffFeatures(old, next []domain.Feature, l *log) []domain.DeltaEvent {
	oldByName := make(map[string]domain.Feature, len(old))
	for _, f := range old {
		oldByName[f.Name] = f
	}
	nextByName := make(map[string]struct{}, len(next))

	var out []domain.DeltaEvent
	for _, f := range next {
		nextByName[f.Name] = struct{}{}
		prior, existed := oldByName[f.Name]
		if !existed || !reflect.DeepEqual(prior, f) {
			l.nextID++
			out = append(out, domain.DeltaEvent{EventID: l.nextID, Kind: domain.EventFeatureUpdated, Feature: f})
		}
	}
	for name, f := range oldByName {
		if _, stillPresent := nextByName[name]; !stillPresent {
			l.nextID++
			out = append(out, domain.DeltaEvent{EventID: l.nextID, Kind: domain.EventFeatureRemoved, Project: f.Project, FeatureName: f.Name})
		}
	}
	return out
}

func diffSegments(old, next []domain.Segment, l *log) []domain.DeltaEvent {
	oldByID := make(map[int]domain.Segment, len(old))
	for _, s := range old {
		oldByID[s.ID] = s
	}
	nextByID := make(map[int]struct{}, len(next))

	var out []domain.DeltaEvent
	for _, s := range next {
		nextByID[s.ID] = struct{}{}
		prior, existed := oldByID[s.ID]
		if !existed || !reflect.DeepEqual(prior, s) {
			l.nextID++
			out = append(out, domain.DeltaEvent{EventID: l.nextID, Kind: domain.EventSegmentUpdated, Segment: s})
		}
	}
	for id := range oldByID {
		if _, stillPresent := nextByID[id]; !stillPresent {
			l.nextID++
			out = append(out, domain.DeltaEvent{EventID: l.nextID, Kind: domain.EventSegmentRemoved, SegmentID: id})
		}
	}
	return out
}

// enforceRetention must be called with l.mu held. When the log exceeds
// maxSize it drops the oldest events and advances oldestID past them; the
// dropped prefix's effect is still recoverable via a fresh Hydration.
func (e *Engine) enforceRetention(l *log) {
	if len(l.events) <= l.maxSize {
		return
	}
	drop := len(l.events) - l.maxSize
	l.events = l.events[drop:]
	if len(l.events) > 0 {
		l.oldestID = l.events[0].EventID
	}
}

// EventsSince implements the delta read API: hydration on a stale or zero
// cursor, else the filtered tail of the retained log.
func (e *Engine) EventsSince(key domain.EnvironmentKey, sinceID uint32, filter Filter) []domain.DeltaEvent {
	l := e.logFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	if sinceID == 0 || (len(l.events) > 0 && sinceID < l.oldestID) {
		return []domain.DeltaEvent{hydrationEvent(l, filter)}
	}
	if len(l.events) == 0 {
		return []domain.DeltaEvent{hydrationEvent(l, filter)}
	}

	var out []domain.DeltaEvent
	for _, ev := range l.events {
		if ev.EventID > sinceID && filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func hydrationEvent(l *log, filter Filter) domain.DeltaEvent {
	var features []domain.Feature
	for _, f := range l.lastFeatures {
		if filter.matchesProject(f.Project) && filter.matchesName(f.Name) {
			features = append(features, f)
		}
	}
	return domain.DeltaEvent{
		EventID:  l.nextID,
		Kind:     domain.EventHydration,
		Features: features,
		Segments: append([]domain.Segment(nil), l.lastSegments...),
	}
}

// OldestRetainedID reports the id of the oldest event still retained.
func (e *Engine) OldestRetainedID(key domain.EnvironmentKey) uint32 {
	l := e.logFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.oldestID
}

// Len reports the retained event count for key, for the delta log depth
// gauge.
func (e *Engine) Len(key domain.EnvironmentKey) int {
	l := e.logFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
