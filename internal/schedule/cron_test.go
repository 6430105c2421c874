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

package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, expr string) *Expr {
	t.Helper()
	c, err := Parse(expr)
	require.NoError(t, err)
	return c
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return ts
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"four fields", "* * * *"},
		{"six fields", "* * * * * *"},
		{"minute out of range", "60 * * * *"},
		{"hour out of range", "0 24 * * *"},
		{"day out of range", "0 0 32 * *"},
		{"month out of range", "0 0 1 13 *"},
		{"weekday out of range", "0 0 * * 7"},
		{"inverted range", "30-10 * * * *"},
		{"zero step", "*/0 * * * *"},
		{"garbage", "foo bar baz qux quux"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			assert.Error(t, err)
		})
	}
}

func TestStepFiresOnlyOnMultiples(t *testing.T) {
	c := mustParse(t, "*/5 * * * *")
	for m := 0; m < 60; m++ {
		ts := time.Date(2026, 3, 10, 14, m, 0, 0, time.UTC)
		if m%5 == 0 {
			assert.True(t, c.Matches(ts), "minute %d should match", m)
		} else {
			assert.False(t, c.Matches(ts), "minute %d should not match", m)
		}
	}
}

func TestCommaListAndRange(t *testing.T) {
	c := mustParse(t, "1,15,30 9-17 * * *")
	assert.True(t, c.Matches(at(t, "2026-03-10T09:15:00Z")))
	assert.True(t, c.Matches(at(t, "2026-03-10T17:30:00Z")))
	assert.False(t, c.Matches(at(t, "2026-03-10T08:15:00Z")))
	assert.False(t, c.Matches(at(t, "2026-03-10T09:16:00Z")))
}

func TestDayFieldsUnionWhenBothRestricted(t *testing.T) {
	// 13th of the month OR a Friday.
	c := mustParse(t, "0 0 13 * 5")

	// 2026-02-13 is a Friday: matches both.
	assert.True(t, c.Matches(at(t, "2026-02-13T00:00:00Z")))
	// 2026-03-13 is a Friday and the 13th.
	assert.True(t, c.Matches(at(t, "2026-03-13T00:00:00Z")))
	// 2026-03-06 is a Friday but not the 13th: union still fires.
	assert.True(t, c.Matches(at(t, "2026-03-06T00:00:00Z")))
	// 2026-04-13 is a Monday: the day-of-month side fires.
	assert.True(t, c.Matches(at(t, "2026-04-13T00:00:00Z")))
	// 2026-03-10 is a Tuesday, not the 13th.
	assert.False(t, c.Matches(at(t, "2026-03-10T00:00:00Z")))
}

func TestSingleRestrictedDayFieldGoverns(t *testing.T) {
	weekdays := mustParse(t, "0 9 * * 1-5")
	// 2026-03-09 is a Monday.
	assert.True(t, weekdays.Matches(at(t, "2026-03-09T09:00:00Z")))
	// 2026-03-08 is a Sunday.
	assert.False(t, weekdays.Matches(at(t, "2026-03-08T09:00:00Z")))

	firstOfMonth := mustParse(t, "0 0 1 * *")
	assert.True(t, firstOfMonth.Matches(at(t, "2026-04-01T00:00:00Z")))
	assert.False(t, firstOfMonth.Matches(at(t, "2026-04-02T00:00:00Z")))
}

func TestSpecialExpressions(t *testing.T) {
	hourly := mustParse(t, "@hourly")
	assert.True(t, hourly.Matches(at(t, "2026-03-10T05:00:00Z")))
	assert.False(t, hourly.Matches(at(t, "2026-03-10T05:01:00Z")))

	daily := mustParse(t, "@daily")
	assert.True(t, daily.Matches(at(t, "2026-03-10T00:00:00Z")))
	assert.False(t, daily.Matches(at(t, "2026-03-10T01:00:00Z")))
}

func TestNextAdvancesPastFrom(t *testing.T) {
	c := mustParse(t, "*/15 * * * *")
	from := at(t, "2026-03-10T10:07:30Z")
	next := c.Next(from)
	assert.Equal(t, at(t, "2026-03-10T10:15:00Z"), next)

	// Exactly on a match: Next returns the following one.
	next = c.Next(at(t, "2026-03-10T10:15:00Z"))
	assert.Equal(t, at(t, "2026-03-10T10:30:00Z"), next)
}

func TestNextCrossesDayBoundary(t *testing.T) {
	c := mustParse(t, "30 2 * * *")
	next := c.Next(at(t, "2026-03-10T03:00:00Z"))
	assert.Equal(t, at(t, "2026-03-11T02:30:00Z"), next)
}

func TestNextN(t *testing.T) {
	c := mustParse(t, "0 * * * *")
	got := c.NextN(at(t, "2026-03-10T10:30:00Z"), 3)
	require.Len(t, got, 3)
	assert.Equal(t, at(t, "2026-03-10T11:00:00Z"), got[0])
	assert.Equal(t, at(t, "2026-03-10T12:00:00Z"), got[1])
	assert.Equal(t, at(t, "2026-03-10T13:00:00Z"), got[2])
}
