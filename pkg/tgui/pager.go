package tgui

import "fmt"

// Page is one window of a paginated slice. Index is 0-based and clamped to
// the last page.
type Page[T any] struct {
	Items   []T
	Index   int
	Size    int
	Total   int
	HasPrev bool
	HasNext bool
}

func Paginate[T any](items []T, page, size int) Page[T] {
	if size <= 0 {
		size = 10
	}
	total := len(items)
	last := 0
	if total > 0 {
		last = (total - 1) / size
	}
	page = min(max(page, 0), last)
	start := page * size
	end := min(start+size, total)
	return Page[T]{
		Items:   items[start:end],
		Index:   page,
		Size:    size,
		Total:   total,
		HasPrev: page > 0,
		HasNext: end < total,
	}
}

// Label renders the page position, e.g. "Page 2/3 • 11-20 of 27".
func (p Page[T]) Label() string {
	if p.Total == 0 {
		return "Page 1/1"
	}
	pages := (p.Total + p.Size - 1) / p.Size
	from := p.Index*p.Size + 1
	return fmt.Sprintf("Page %d/%d • %d-%d of %d", p.Index+1, pages, from, from+len(p.Items)-1, p.Total)
}
