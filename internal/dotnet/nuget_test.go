package dotnet

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func nugetTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLatestStableVersion(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/newtonsoft.json/index.json" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"versions":["12.0.1","13.0.1","13.0.3","13.0.4-beta1"]}`))
	}))
	defer srv.Close()

	c := NewNuGetClient(srv.URL, nugetTestLogger())
	ctx := context.Background()

	v, err := c.LatestStableVersion(ctx, "Newtonsoft.Json")
	if err != nil {
		t.Fatalf("LatestStableVersion: %v", err)
	}
	// Prerelease 13.0.4-beta1 must be skipped.
	if v != "13.0.3" {
		t.Errorf("version = %q, want 13.0.3", v)
	}

	// Second lookup hits the cache, not the server.
	if _, err := c.LatestStableVersion(ctx, "newtonsoft.json"); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
}

func TestLatestStableVersionNotFound(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewNuGetClient(srv.URL, nugetTestLogger())
	ctx := context.Background()

	if _, err := c.LatestStableVersion(ctx, "No.Such.Package"); err == nil {
		t.Fatal("lookup succeeded for missing package")
	}
	// The negative cache suppresses the second fetch.
	_, err := c.LatestStableVersion(ctx, "No.Such.Package")
	if err == nil || !strings.Contains(err.Error(), "cached") {
		t.Errorf("second lookup error = %v, want cached miss", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
}

func TestLatestStableVersionOnlyPrereleases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"versions":["1.0.0-alpha","1.0.0-rc.1"]}`))
	}))
	defer srv.Close()

	c := NewNuGetClient(srv.URL, nugetTestLogger())
	_, err := c.LatestStableVersion(context.Background(), "Prerelease.Only")
	if err == nil || !strings.Contains(err.Error(), "no stable versions") {
		t.Errorf("error = %v, want no stable versions", err)
	}
}

func TestResolvePackages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"versions":["2.1.35"]}`))
	}))
	defer srv.Close()

	c := NewNuGetClient(srv.URL, nugetTestLogger())
	refs := []PackageRef{
		{Name: "Newtonsoft.Json", Version: "13.0.3"}, // pinned, no lookup
		{Name: "Dapper"},                             // resolve latest
	}
	out, err := c.ResolvePackages(context.Background(), refs)
	if err != nil {
		t.Fatalf("ResolvePackages: %v", err)
	}
	if out[0].Version != "13.0.3" {
		t.Errorf("pinned version changed: %q", out[0].Version)
	}
	if out[1].Version != "2.1.35" {
		t.Errorf("resolved version = %q, want 2.1.35", out[1].Version)
	}
	// Input slice stays untouched.
	if refs[1].Version != "" {
		t.Error("ResolvePackages mutated its input")
	}
}

func TestNewNuGetClientDefaultURL(t *testing.T) {
	c := NewNuGetClient("", nugetTestLogger())
	if c.baseURL != DefaultNuGetBaseURL {
		t.Errorf("baseURL = %q, want %q", c.baseURL, DefaultNuGetBaseURL)
	}
}
