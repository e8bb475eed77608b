package terminal

// Bounds applied to every size that reaches a pty.
const (
	MinCols = 1
	MaxCols = 500
	MinRows = 1
	MaxRows = 200
)

// Size is a terminal size in character cells.
type Size struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// ClampSize forces cols into [MinCols, MaxCols] and rows into
// [MinRows, MaxRows]. It never fails.
func ClampSize(cols, rows int) Size {
	return Size{
		Cols: uint16(clamp(cols, MinCols, MaxCols)),
		Rows: uint16(clamp(rows, MinRows, MaxRows)),
	}
}

// InitialSize is ClampSize with zero values replaced by def first.
func InitialSize(cols, rows int, def Size) Size {
	if cols == 0 {
		cols = int(def.Cols)
	}
	if rows == 0 {
		rows = int(def.Rows)
	}
	return ClampSize(cols, rows)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
