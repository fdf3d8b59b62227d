package broadcaster

import (
	"encoding/json"

	"github.com/flagedge/edge/internal/domain"
)

// wireEvent is the SSE JSON payload shape for one DeltaEvent.
type wireEvent struct {
	Type      string           `json:"type"`
	EventID   uint32           `json:"eventId"`
	Feature   *domain.Feature  `json:"feature,omitempty"`
	Project   string           `json:"project,omitempty"`
	Name      string           `json:"name,omitempty"`
	Segment   *domain.Segment  `json:"segment,omitempty"`
	SegmentID int              `json:"segmentId,omitempty"`
	Features  []domain.Feature `json:"features,omitempty"`
	Segments  []domain.Segment `json:"segments,omitempty"`
}

func toWire(ev domain.DeltaEvent) wireEvent {
	w := wireEvent{EventID: ev.EventID}
	switch ev.Kind {
	case domain.EventFeatureUpdated:
		w.Type = "feature-updated"
		f := ev.Feature
		w.Feature = &f
	case domain.EventFeatureRemoved:
		w.Type = "feature-removed"
		w.Project = ev.Project
		w.Name = ev.FeatureName
	case domain.EventSegmentUpdated:
		w.Type = "segment-updated"
		s := ev.Segment
		w.Segment = &s
	case domain.EventSegmentRemoved:
		w.Type = "segment-removed"
		w.SegmentID = ev.SegmentID
	case domain.EventHydration:
		w.Type = "hydration"
		w.Features = ev.Features
		w.Segments = ev.Segments
	}
	return w
}

func encodeEventJSON(ev domain.DeltaEvent) []byte {
	data, _ := json.Marshal(toWire(ev))
	return data
}

func encodeEventsJSON(events []domain.DeltaEvent) []byte {
	wires := make([]wireEvent, len(events))
	for i, ev := range events {
		wires[i] = toWire(ev)
	}
	data, _ := json.Marshal(map[string]any{"events": wires})
	return data
}
