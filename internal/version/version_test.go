/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package version

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"0.3.0", "0.3.0", 0},
		{"0.3.0", "v0.3.1", -1},
		{"1.0.0", "0.9.9", 1},
		{"1.2", "1.2.0", 0},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCheckerReportsNewerRelease(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/"+GitHubRepo+"/releases/latest" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"tag_name":"v99.0.0","html_url":"https://example.test/r","body":"Gate forecasts\nmore"}`))
	}))
	defer ts.Close()

	c := NewChecker()
	c.BaseURL = ts.URL
	info, err := c.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !info.UpdateAvailable || info.LatestVersion != "99.0.0" || info.ReleaseNotes != "Gate forecasts" {
		t.Errorf("info = %+v", info)
	}
}

func TestCheckerRejectsBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	c := NewChecker()
	c.BaseURL = ts.URL
	if _, err := c.Check(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
