// Package validate enforces the EPCIS semantic constraints that schema
// checking alone cannot express. All rules run; a failing capture reports
// every violation at once.
package validate

import (
	"fmt"
	"regexp"

	"github.com/trackvision/tv-epcis-repository/types"
)

var tzOffsetPattern = regexp.MustCompile(`^[+-]?\d\d:\d\d$`)

// Capture checks a decoded capture aggregate. A nil return means the capture
// may be persisted.
func Capture(capture *types.Capture) error {
	var violations []types.RuleViolation

	add := func(rule, detail, eventID string) {
		violations = append(violations, types.RuleViolation{Rule: rule, Detail: detail, EventID: eventID})
	}

	if !types.ValidSchemaVersion(capture.SchemaVersion) {
		add("SchemaVersionKnown", fmt.Sprintf("schemaVersion %q is not supported", capture.SchemaVersion), "")
	}

	seen := map[string]bool{}
	for i := range capture.Events {
		ev := &capture.Events[i]
		checkEvent(ev, add)

		if ev.EventID != "" {
			if seen[ev.EventID] {
				add("EventIDUniqueWithinCapture", fmt.Sprintf("eventID %q appears more than once", ev.EventID), ev.EventID)
			}
			seen[ev.EventID] = true
		}
	}

	if len(violations) > 0 {
		return &types.ValidationError{Violations: violations}
	}
	return nil
}

func checkEvent(ev *types.Event, add func(rule, detail, eventID string)) {
	if ev.EventTime.IsZero() {
		add("EventTimePresent", "eventTime is required", ev.EventID)
	}
	if ev.EventTimeZoneOffset == "" || !tzOffsetPattern.MatchString(ev.EventTimeZoneOffset) {
		add("EventTimeZoneOffsetForm", fmt.Sprintf("eventTimeZoneOffset %q is not +-HH:MM", ev.EventTimeZoneOffset), ev.EventID)
	}

	checkAction(ev, add)

	switch ev.Type {
	case types.AggregationEvent:
		if ev.Action == types.ActionAdd || ev.Action == types.ActionDelete {
			if len(ev.ParentEpcs()) != 1 {
				add("AggregationAddRequiresParent",
					fmt.Sprintf("aggregation with action %s needs exactly one parentID, got %d", ev.Action, len(ev.ParentEpcs())),
					ev.EventID)
			}
		}
	case types.TransformationEvent:
		if len(ev.InputEpcs()) == 0 && len(ev.OutputEpcs()) == 0 {
			add("TransformationHasEpcs", "transformation needs at least one input or output EPC", ev.EventID)
		}
	}

	elements := map[int]bool{}
	for _, se := range ev.SensorElements {
		elements[se.Index] = true
	}
	for _, se := range ev.SensorElements {
		for _, r := range se.Reports {
			if !elements[r.SensorIndex] {
				add("SensorReportBound",
					fmt.Sprintf("sensor report references missing sensorElement %d", r.SensorIndex), ev.EventID)
			}
		}
	}
}

// checkAction applies the per-variant action rule: transformations carry no
// action, everything else carries a valid one.
func checkAction(ev *types.Event, add func(rule, detail, eventID string)) {
	switch ev.Type {
	case types.TransformationEvent:
		if ev.Action != "" {
			add("ActionPerVariant", "transformation events carry no action", ev.EventID)
		}
	case types.QuantityEvent:
		// 1.x quantity events have no action either
		if ev.Action != "" {
			add("ActionPerVariant", "quantity events carry no action", ev.EventID)
		}
	default:
		switch ev.Action {
		case types.ActionAdd, types.ActionObserve, types.ActionDelete:
		default:
			add("ActionPerVariant", fmt.Sprintf("action %q is not ADD, OBSERVE or DELETE", ev.Action), ev.EventID)
		}
	}
}
