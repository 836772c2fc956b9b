package step

// StepMap describes how a single step moves positions: OldSize runes at
// Start were replaced by NewSize runes.
type StepMap struct {
	Start   int
	OldSize int
	NewSize int
}

// Invert returns the map of the inverse step.
func (sm StepMap) Invert() StepMap {
	return StepMap{Start: sm.Start, OldSize: sm.NewSize, NewSize: sm.OldSize}
}

// MapResult maps pos through the step. assoc selects the side a position
// sticks to when content is inserted or replaced right at it: a negative
// assoc keeps the position before the new content, a positive one moves it
// after. deleted reports whether the position was strictly inside the
// replaced range.
func (sm StepMap) MapResult(pos, assoc int) (mapped int, deleted bool) {
	end := sm.Start + sm.OldSize
	switch {
	case pos < sm.Start:
		return pos, false
	case pos > end:
		return pos + sm.NewSize - sm.OldSize, false
	}

	side := assoc
	if sm.OldSize > 0 {
		switch pos {
		case sm.Start:
			side = -1
		case end:
			side = 1
		}
	}
	deleted = pos > sm.Start && pos < end
	if side < 0 {
		return sm.Start, deleted
	}
	return sm.Start + sm.NewSize, deleted
}

// Map maps pos through the step, discarding the deleted flag.
func (sm StepMap) Map(pos, assoc int) int {
	mapped, _ := sm.MapResult(pos, assoc)
	return mapped
}

// Mapping is an ordered list of step maps applied one after another.
//
// The zero value is an empty mapping ready to use.
type Mapping struct {
	maps []StepMap
}

// NewMapping returns a mapping over the given maps.
func NewMapping(maps ...StepMap) *Mapping {
	m := &Mapping{}
	m.maps = append(m.maps, maps...)
	return m
}

// AppendMap adds a step map at the end of the mapping.
func (m *Mapping) AppendMap(sm StepMap) {
	m.maps = append(m.maps, sm)
}

// AppendMapping adds every map of other at the end of the mapping.
func (m *Mapping) AppendMapping(other *Mapping) {
	if other == nil {
		return
	}
	m.maps = append(m.maps, other.maps...)
}

// Maps returns a copy of the step maps in application order.
func (m *Mapping) Maps() []StepMap {
	out := make([]StepMap, len(m.maps))
	copy(out, m.maps)
	return out
}

// Len returns the number of step maps.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.maps)
}

// MapResult maps pos through every step map in order. deleted is true when
// any of them deleted the position.
func (m *Mapping) MapResult(pos, assoc int) (mapped int, deleted bool) {
	if m == nil {
		return pos, false
	}
	for _, sm := range m.maps {
		var d bool
		pos, d = sm.MapResult(pos, assoc)
		deleted = deleted || d
	}
	return pos, deleted
}

// Map maps pos through the mapping.
func (m *Mapping) Map(pos, assoc int) int {
	mapped, _ := m.MapResult(pos, assoc)
	return mapped
}
