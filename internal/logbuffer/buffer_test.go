/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logbuffer

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

func TestBufferWrapsAround(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Add(LogEntry{Message: fmt.Sprint(i)})
	}
	all := b.GetAll()
	if len(all) != 3 || all[0].Message != "2" || all[2].Message != "4" {
		t.Fatalf("GetAll() = %+v", all)
	}
	b.Clear()
	if len(b.GetAll()) != 0 {
		t.Fatal("Clear() left entries")
	}
}

func TestWriterCapturesZerologEntries(t *testing.T) {
	b := New(100)
	var fallback bytes.Buffer
	logger := zerolog.New(NewWriter(b, &fallback)).With().Timestamp().Logger()

	logger.Info().Str("component", "schedule_manager").Str("manager", "p0").Msg("admin schedule set")
	logger.Warn().Str("component", "schedule_manager").Str("manager", "p1").Msg("admin base time already passed")
	logger.Debug().Str("component", "clock").Msg("phase jump")

	if fallback.Len() == 0 {
		t.Fatal("fallback writer received nothing")
	}

	tests := []struct {
		name   string
		params QueryParams
		want   int
	}{
		{"all", QueryParams{}, 3},
		{"level", QueryParams{Level: "warn"}, 1},
		{"component", QueryParams{Component: "schedule_manager"}, 2},
		{"manager", QueryParams{Manager: "p0"}, 1},
		{"search", QueryParams{Search: "BASE TIME"}, 1},
		{"search field", QueryParams{Search: "p1"}, 1},
		{"limit", QueryParams{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Query(tt.params); len(got) != tt.want {
				t.Errorf("Query(%+v) = %d entries, want %d", tt.params, len(got), tt.want)
			}
		})
	}

	newest := b.Query(QueryParams{Descending: true, Limit: 1})
	if len(newest) != 1 || newest[0].Message != "phase jump" {
		t.Errorf("newest = %+v", newest)
	}
	if newest[0].Timestamp.IsZero() {
		t.Error("timestamp not parsed")
	}

	stats := b.StatsForManager("p1")
	if stats.Count != 1 || stats.LevelCount["warn"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	all := b.Stats()
	if fmt.Sprint(all.Components) != "[clock schedule_manager]" {
		t.Errorf("components = %v", all.Components)
	}
}
