package response

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"workshop-backend/pkg/payload"
)

// Pagination describes one page of a collection.
type Pagination struct {
	CurrentPage  int  `json:"currentPage"`
	TotalPages   int  `json:"totalPages"`
	TotalItems   int  `json:"totalItems"`
	ItemsPerPage int  `json:"itemsPerPage"`
	HasNext      bool `json:"hasNext"`
	HasPrevious  bool `json:"hasPrevious"`
}

// shape strips nulls, cuts long strings and pages large collections.
func (c Config) shape(v payload.Value, q url.Values) (payload.Value, []payload.Truncation, *Pagination) {
	v = payload.StripNulls(v)
	v, truncations := payload.Truncate(v, c.MaxStringLength)

	if v.Kind() != payload.Array || v.Len() <= c.PaginateAbove {
		return v, truncations, nil
	}
	page, p := c.paginate(v.Items(), q)
	return payload.ObjectValue(map[string]payload.Value{
		"data":       payload.ArrayValue(page...),
		"pagination": p.value(),
	}), truncations, &p
}

// paginate slices items by the page and limit parameters. Pages past the end
// are empty.
func (c Config) paginate(items []payload.Value, q url.Values) ([]payload.Value, Pagination) {
	limit := min(intParam(q, "limit", c.DefaultLimit), c.MaxLimit)
	page := intParam(q, "page", 1)

	total := len(items)
	totalPages := (total + limit - 1) / limit

	p := Pagination{
		CurrentPage:  page,
		TotalPages:   totalPages,
		TotalItems:   total,
		ItemsPerPage: limit,
		HasNext:      page < totalPages,
		HasPrevious:  page > 1,
	}

	start := (page - 1) * limit
	if start >= total {
		return []payload.Value{}, p
	}
	return items[start:min(start+limit, total)], p
}

func (p Pagination) value() payload.Value {
	return payload.ObjectValue(map[string]payload.Value{
		"currentPage":  payload.IntValue(int64(p.CurrentPage)),
		"totalPages":   payload.IntValue(int64(p.TotalPages)),
		"totalItems":   payload.IntValue(int64(p.TotalItems)),
		"itemsPerPage": payload.IntValue(int64(p.ItemsPerPage)),
		"hasNext":      payload.BoolValue(p.HasNext),
		"hasPrevious":  payload.BoolValue(p.HasPrevious),
	})
}

// sizeTTL gives larger payloads longer lifetimes, capped at maxTTL.
func sizeTTL(size int, maxTTL time.Duration) time.Duration {
	var ttl time.Duration
	switch {
	case size < 1<<10:
		ttl = 60 * time.Second
	case size < 10<<10:
		ttl = 120 * time.Second
	case size < 100<<10:
		ttl = 300 * time.Second
	default:
		ttl = 600 * time.Second
	}
	return min(ttl, maxTTL)
}

var cacheControlClasses = []struct {
	markers   []string
	directive string
}{
	{[]string{"chat", "message", "notification", "live"}, "no-cache, must-revalidate"},
	{[]string{"session", "auth", "billing", "payment", "invoice"}, "private, no-store"},
	{[]string{"analytics", "report", "dashboard"}, "private, max-age=300"},
	{[]string{"workshop", "catalog", "service", "settings"}, "private, max-age=600"},
}

// cacheControl picks the directive for an endpoint by name.
func cacheControl(method, endpoint string) string {
	if method != http.MethodGet && method != http.MethodHead {
		return "no-store"
	}
	name := strings.ToLower(endpoint)
	for _, class := range cacheControlClasses {
		for _, marker := range class.markers {
			if strings.Contains(name, marker) {
				return class.directive
			}
		}
	}
	return "private, max-age=60"
}
