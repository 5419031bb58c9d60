// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"encoding/base64"
	"encoding/json"
	"slices"
	"time"

	"github.com/tombee/openworkflow/pkg/errors"
)

// DefaultPageLimit applies when Pagination.Limit is zero or negative.
const DefaultPageLimit = 100

// MaxPageLimit caps a single page; the engine's history loader uses it.
const MaxPageLimit = 1000

// Cursor is an opaque position in the (createdAt, id) ordering. Timestamps
// carry millisecond precision so encoded cursors compare identically across
// stores and platforms.
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// NewCursor builds the cursor pointing at the given row coordinates.
func NewCursor(createdAt time.Time, id string) Cursor {
	return Cursor{CreatedAt: createdAt.Truncate(time.Millisecond), ID: id}
}

// Encode renders the cursor as URL-safe base64 over its JSON form.
func (c Cursor) Encode() string {
	blob, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(blob)
}

// DecodeCursor parses a cursor produced by Encode. Malformed input returns
// a ValidationError rather than an opaque decoding failure.
func DecodeCursor(s string) (*Cursor, error) {
	blob, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "cursor",
			Message:    "cursor is not valid base64",
			Suggestion: "pass a cursor returned by a previous list call",
		}
	}
	var c Cursor
	if err := json.Unmarshal(blob, &c); err != nil {
		return nil, &errors.ValidationError{
			Field:      "cursor",
			Message:    "cursor payload is not valid JSON",
			Suggestion: "pass a cursor returned by a previous list call",
		}
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		return nil, &errors.ValidationError{
			Field:   "cursor",
			Message: "cursor is missing its position",
		}
	}
	c.CreatedAt = c.CreatedAt.Truncate(time.Millisecond)
	return &c, nil
}

// Pagination selects a page of the (createdAt, id) ordering. After walks
// forward (ascending) from the cursor exclusive; Before walks backward
// (descending) and the backend reverses the page so items always arrive
// ascending. At most one of After and Before may be set.
type Pagination struct {
	Limit  int
	After  *Cursor
	Before *Cursor
}

// Validate rejects contradictory cursor combinations.
func (p Pagination) Validate() error {
	if p.After != nil && p.Before != nil {
		return &errors.ValidationError{
			Field:   "pagination",
			Message: "after and before cursors are mutually exclusive",
		}
	}
	return nil
}

// EffectiveLimit normalizes Limit into [1, MaxPageLimit].
func (p Pagination) EffectiveLimit() int {
	switch {
	case p.Limit <= 0:
		return DefaultPageLimit
	case p.Limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return p.Limit
	}
}

// Page is one window of an ordered listing. Next and Prev are set whenever
// Items is non-empty: Next points at the last item, Prev at the first, so
// callers can continue in either direction regardless of how they arrived.
type Page[T any] struct {
	Items   []T
	HasNext bool
	HasPrev bool
	Next    *Cursor
	Prev    *Cursor
}

// BuildPage assembles a Page from rows fetched in query order. Callers fetch
// EffectiveLimit()+1 rows so the extra row reveals whether the listing
// continues; before-pages arrive descending and are reversed here so Items
// is always ascending.
func BuildPage[T any](rows []T, p Pagination, cursorOf func(T) Cursor) *Page[T] {
	limit := p.EffectiveLimit()
	page := &Page[T]{}

	if p.Before != nil {
		page.HasPrev = len(rows) > limit
		if page.HasPrev {
			rows = rows[:limit]
		}
		slices.Reverse(rows)
		// The before cursor names a row we already saw, so the forward
		// direction is never exhausted.
		page.HasNext = true
	} else {
		page.HasNext = len(rows) > limit
		if page.HasNext {
			rows = rows[:limit]
		}
		page.HasPrev = p.After != nil
	}

	page.Items = rows
	if len(rows) > 0 {
		first := cursorOf(rows[0])
		last := cursorOf(rows[len(rows)-1])
		page.Prev = &first
		page.Next = &last
	}
	return page
}
