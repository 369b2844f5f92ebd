package newsletter

import (
	"sort"

	"newsbot/internal/transport"
)

// BuildKeyboard assembles the inline keyboard grid for a newsletter's
// buttons: grouped by row index, ordered by column index within a row.
// Buttons without a URL are dropped (callback buttons are not rendered by
// the engine). Returns nil when nothing remains, meaning "no keyboard".
func BuildKeyboard(buttons []Button) [][]transport.InlineButton {
	if len(buttons) == 0 {
		return nil
	}

	sorted := append([]Button(nil), buttons...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Row != sorted[j].Row {
			return sorted[i].Row < sorted[j].Row
		}
		return sorted[i].Col < sorted[j].Col
	})

	var grid [][]transport.InlineButton
	curRow := 0
	for _, b := range sorted {
		if b.URL == "" {
			continue
		}
		if len(grid) == 0 || b.Row != curRow {
			grid = append(grid, nil)
			curRow = b.Row
		}
		last := len(grid) - 1
		grid[last] = append(grid[last], transport.InlineButton{Text: b.Text, URL: b.URL})
	}
	if len(grid) == 0 {
		return nil
	}
	return grid
}
