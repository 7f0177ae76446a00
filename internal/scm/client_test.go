package scm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/napari-hub/hub-backend/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := NewClient(&config.GitHubConfig{
		APIBaseURL: srv.URL,
		Timeout:    5 * time.Second,
	})
	return c, srv.Close
}

// ---------------------------------------------------------------------------
// ParseRepoURL
// ---------------------------------------------------------------------------

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://github.com/napari/napari-svg", "napari/napari-svg", false},
		{"https://github.com/napari/napari-svg/", "napari/napari-svg", false},
		{"https://github.com/napari/napari-svg.git", "napari/napari-svg", false},
		{"https://github.com/napari/napari-svg/tree/main/src", "napari/napari-svg", false},
		{"https://api.github.com/repos/napari/napari-svg", "napari/napari-svg", false},
		{"git@github.com:napari/napari-svg.git", "napari/napari-svg", false},
		{"https://gitlab.com/someone/project", "", true},
		{"https://github.com/justowner", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseRepoURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRepoURL(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRepoURL(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRepoURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// GetLicense
// ---------------------------------------------------------------------------

func TestGetLicense(t *testing.T) {
	c, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/napari/napari-svg/license" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"license": {"spdx_id": "BSD-3-Clause"}}`)
	})
	defer done()

	if got := c.GetLicense(context.Background(), "napari/napari-svg"); got != "BSD-3-Clause" {
		t.Errorf("GetLicense() = %q, want BSD-3-Clause", got)
	}
}

func TestGetLicense_NoAssertionYieldsEmpty(t *testing.T) {
	c, done := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"license": {"spdx_id": "NOASSERTION"}}`)
	})
	defer done()

	if got := c.GetLicense(context.Background(), "napari/napari-svg"); got != "" {
		t.Errorf("GetLicense() = %q, want empty for NOASSERTION", got)
	}
}

func TestGetLicense_NotFoundYieldsEmpty(t *testing.T) {
	c, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	defer done()

	if got := c.GetLicense(context.Background(), "napari/missing"); got != "" {
		t.Errorf("GetLicense() = %q, want empty on 404", got)
	}
}

// ---------------------------------------------------------------------------
// GetFile / GetFirstAvailable
// ---------------------------------------------------------------------------

func TestGetFile(t *testing.T) {
	c, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/napari/napari-svg/contents/CITATION.cff" {
			if accept := r.Header.Get("Accept"); accept != "application/vnd.github.raw+json" {
				t.Errorf("Accept = %q, want raw media type", accept)
			}
			fmt.Fprint(w, "cff-version: 1.2.0")
			return
		}
		http.NotFound(w, r)
	})
	defer done()

	data := c.GetFile(context.Background(), "napari/napari-svg", "CITATION.cff")
	if string(data) != "cff-version: 1.2.0" {
		t.Errorf("GetFile() = %q", data)
	}

	if missing := c.GetFile(context.Background(), "napari/napari-svg", "MISSING"); missing != nil {
		t.Errorf("GetFile() for missing path = %q, want nil", missing)
	}
}

func TestGetFirstAvailable(t *testing.T) {
	c, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/napari/napari-svg/contents/citation.cff" {
			fmt.Fprint(w, "lowercase variant")
			return
		}
		http.NotFound(w, r)
	})
	defer done()

	data := c.GetFirstAvailable(context.Background(), "napari/napari-svg",
		[]string{"CITATION.cff", "citation.cff"})
	if string(data) != "lowercase variant" {
		t.Errorf("GetFirstAvailable() = %q, want lowercase variant", data)
	}
}

func TestGetFirstAvailable_NoneExist(t *testing.T) {
	c, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	defer done()

	if data := c.GetFirstAvailable(context.Background(), "napari/napari-svg", []string{"a", "b"}); data != nil {
		t.Errorf("GetFirstAvailable() = %q, want nil", data)
	}
}

// ---------------------------------------------------------------------------
// GetReleaseNotes
// ---------------------------------------------------------------------------

func TestGetReleaseNotes_PrefersVPrefixedTag(t *testing.T) {
	c, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/napari/napari-svg/releases/tags/v0.1.6" {
			fmt.Fprint(w, `{"body": "Fixed shape export"}`)
			return
		}
		http.NotFound(w, r)
	})
	defer done()

	if got := c.GetReleaseNotes(context.Background(), "napari/napari-svg", "0.1.6"); got != "Fixed shape export" {
		t.Errorf("GetReleaseNotes() = %q", got)
	}
}

func TestGetReleaseNotes_FallsBackToBareTag(t *testing.T) {
	c, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/napari/napari-svg/releases/tags/0.1.6" {
			fmt.Fprint(w, `{"body": "bare tag notes"}`)
			return
		}
		http.NotFound(w, r)
	})
	defer done()

	if got := c.GetReleaseNotes(context.Background(), "napari/napari-svg", "0.1.6"); got != "bare tag notes" {
		t.Errorf("GetReleaseNotes() = %q", got)
	}
}

func TestGetReleaseNotes_MissingReleaseYieldsEmpty(t *testing.T) {
	c, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	defer done()

	if got := c.GetReleaseNotes(context.Background(), "napari/napari-svg", "0.1.6"); got != "" {
		t.Errorf("GetReleaseNotes() = %q, want empty", got)
	}
}

// ---------------------------------------------------------------------------
// Auth header
// ---------------------------------------------------------------------------

func TestNewClient_TokenIsSent(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"license": {"spdx_id": "MIT"}}`)
	}))
	defer srv.Close()

	c := NewClient(&config.GitHubConfig{
		APIBaseURL: srv.URL,
		Token:      "ghp_testtoken",
		Timeout:    5 * time.Second,
	})
	c.GetLicense(context.Background(), "o/r")

	if gotAuth != "Bearer ghp_testtoken" {
		t.Errorf("Authorization = %q, want Bearer ghp_testtoken", gotAuth)
	}
}
