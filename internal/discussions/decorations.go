package discussions

// DecorationKind distinguishes the two markers drawn per anchor.
type DecorationKind int

const (
	// Inline highlights the anchored range.
	Inline DecorationKind = iota
	// Widget is a zero-width mount point at the end of the range.
	Widget
)

// Decoration is a render hint for one anchor. It is derived from the
// tracker state and never persisted.
type Decoration struct {
	Kind  DecorationKind
	From  int
	To    int
	Key   string
	Class string
}

const (
	inlineKeyPrefix = "discussion-inline-"
	widgetKeyPrefix = "discussion-widget-"
)

// DecorationsFor returns the inline and widget decorations of anchors, in
// anchor order.
func DecorationsFor(anchors []Anchor) []Decoration {
	out := make([]Decoration, 0, 2*len(anchors))
	for _, a := range anchors {
		out = append(out,
			Decoration{
				Kind:  Inline,
				From:  a.From,
				To:    a.To,
				Key:   inlineKeyPrefix + a.ID,
				Class: "discussion-range d-" + a.ID,
			},
			Decoration{
				Kind:  Widget,
				From:  a.To,
				To:    a.To,
				Key:   widgetKeyPrefix + a.ID,
				Class: "discussion-mount dm-" + a.ID,
			},
		)
	}
	return out
}
