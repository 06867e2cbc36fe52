package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset from the query string. "skip" is
// accepted as an alias of "offset".
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset <= 0 {
		offset, _ = strconv.Atoi(c.QueryParam("skip"))
	}
	return Normalize(offset, limit)
}

// Normalize clamps values supplied in a request body.
func Normalize(offset, limit int) Params {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// Response wraps a paginated API response. Filtered counts the items matching
// the request filters; Total counts every item visible to the caller.
type Response struct {
	Data     interface{} `json:"data"`
	Filtered int         `json:"filtered"`
	Total    int         `json:"total"`
	Limit    int         `json:"limit"`
	Offset   int         `json:"offset"`
	HasMore  bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return NewFilteredResponse(data, total, total, limit, offset)
}

func NewFilteredResponse(data interface{}, filtered, total, limit, offset int) *Response {
	return &Response{
		Data:     data,
		Filtered: filtered,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
		HasMore:  offset+limit < filtered,
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}
