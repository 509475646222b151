package consumer

import (
	"io"

	"restorable.io/cluster-restore/internal/restore"
)

// Set selects the consumers every lane of a run gets, in this order:
// live apply, validation, print, then Primary on lane 0.
type Set struct {
	// Apply enables live apply. CreateSchema is decided per lane.
	Apply *ApplyOptions
	// Validation enables validation with shared findings.
	Validation *Validation
	// Print enables printing to PrintTo.
	Print   *PrintOptions
	PrintTo io.Writer
	// Primary consumers only run on lane 0, such as report recorders.
	Primary []restore.Consumer
}

// Factory returns the lane factory of a run. Only lane 0 creates schema,
// and only when createSchema is set. Only lane 0 prints schema.
func (s Set) Factory(createSchema bool) restore.LaneFactory {
	var w io.Writer
	if s.Print != nil {
		w = LockedWriter(s.PrintTo)
	}
	return func(lane int) ([]restore.Consumer, error) {
		var out []restore.Consumer
		if s.Apply != nil {
			opts := *s.Apply
			opts.CreateSchema = createSchema && lane == 0
			out = append(out, NewApply(opts))
		}
		if s.Validation != nil {
			out = append(out, s.Validation.Consumer())
		}
		if s.Print != nil {
			opts := *s.Print
			// every lane announces the tables, lane 0 prints them
			opts.Meta = opts.Meta && lane == 0
			out = append(out, NewPrint(w, opts))
		}
		if lane == 0 {
			out = append(out, s.Primary...)
		}
		return out, nil
	}
}
