package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is the window a list request asks for.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit/offset from the query string. The FHIR-style
// _count and _offset names take precedence. Limits are clamped to
// [1, MaxLimit]; a missing or invalid limit means DefaultLimit.
func FromContext(c echo.Context) Params {
	limit := firstInt(c, "_count", "limit")
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	offset := firstInt(c, "_offset", "offset")
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

func firstInt(c echo.Context, names ...string) int {
	for _, name := range names {
		if v := c.QueryParam(name); v != "" {
			n, err := strconv.Atoi(v)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// Page is one window of a listing. Next and Previous are request URLs for
// the neighbouring windows and are empty at either end.
type Page[T any] struct {
	Data     []T    `json:"data"`
	Total    int    `json:"total"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
	HasMore  bool   `json:"has_more"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// NewPage wraps items fetched with p. Links keep every other query
// parameter of the current request.
func NewPage[T any](c echo.Context, p Params, items []T, total int) *Page[T] {
	if items == nil {
		items = []T{}
	}
	page := &Page[T]{
		Data:    items,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.Offset+p.Limit < total,
	}
	if page.HasMore {
		page.Next = link(c, p.Limit, p.Offset+p.Limit)
	}
	if p.Offset > 0 {
		page.Previous = link(c, p.Limit, max(p.Offset-p.Limit, 0))
	}
	return page
}

func link(c echo.Context, limit, offset int) string {
	u := *c.Request().URL
	q := u.Query()
	for _, k := range []string{"_count", "_offset", "limit", "offset"} {
		q.Del(k)
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return (&url.URL{Path: u.Path, RawQuery: q.Encode()}).String()
}
