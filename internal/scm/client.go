// Package scm implements the source-control metadata provider. It reads
// license information, repository files (readme, citation file), and release
// notes from the GitHub REST API v3 — github.com or GitHub Enterprise Server
// via a configurable API base URL.
//
// The client is read-only and failure-tolerant: every lookup that cannot be
// served returns a zero value after logging, because source-control data only
// enriches plugin metadata and must never fail an aggregation pass.
package scm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/napari-hub/hub-backend/internal/config"
)

const defaultAPIURL = "https://api.github.com"

// Client is a read-only GitHub REST API client.
type Client struct {
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a source-control client. When a token is configured the
// client authenticates with it; without one, requests count against the
// unauthenticated rate limit (60/hour).
func NewClient(cfg *config.GitHubConfig) *Client {
	apiURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}

	var httpClient *http.Client
	if cfg.Token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(context.Background(), src)
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = cfg.Timeout

	return &Client{
		apiURL:     apiURL,
		httpClient: httpClient,
		logger:     slog.Default().With("component", "scm"),
	}
}

// ParseRepoURL extracts "owner/repo" from a GitHub repository URL in any of
// the common forms (https://github.com/o/r, api.github.com/repos/o/r, with or
// without a .git suffix or trailing path segments).
func ParseRepoURL(repoURL string) (string, error) {
	u := strings.TrimRight(repoURL, "/")
	for _, prefix := range []string{
		"https://api.github.com/repos/",
		"http://api.github.com/repos/",
		"https://github.com/",
		"http://github.com/",
		"git@github.com:",
	} {
		if strings.HasPrefix(strings.ToLower(u), prefix) {
			u = u[len(prefix):]
			parts := strings.SplitN(u, "/", 3)
			if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
				return "", fmt.Errorf("cannot parse owner/repo from URL %q", repoURL)
			}
			return parts[0] + "/" + strings.TrimSuffix(parts[1], ".git"), nil
		}
	}
	return "", fmt.Errorf("not a GitHub repository URL: %q", repoURL)
}

// GetLicense returns the SPDX identifier of the repository license, or ""
// when the repository has no detectable license or the lookup fails.
func (c *Client) GetLicense(ctx context.Context, repo string) string {
	var result struct {
		License struct {
			SPDXID string `json:"spdx_id"`
		} `json:"license"`
	}

	endpoint := fmt.Sprintf("%s/repos/%s/license", c.apiURL, repo)
	if err := c.getJSON(ctx, endpoint, &result); err != nil {
		c.logger.Warn("license lookup failed", "repo", repo, "error", err)
		return ""
	}

	// GitHub reports unrecognisable licenses as NOASSERTION.
	if result.License.SPDXID == "NOASSERTION" {
		return ""
	}
	return result.License.SPDXID
}

// GetFile returns the raw contents of a file on the default branch, or nil
// when the file is absent or the lookup fails.
func (c *Client) GetFile(ctx context.Context, repo, path string) []byte {
	endpoint := fmt.Sprintf("%s/repos/%s/contents/%s", c.apiURL, repo, url.PathEscape(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil
	}
	// Raw media type skips the base64 content envelope.
	req.Header.Set("Accept", "application/vnd.github.raw+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("file fetch failed", "repo", repo, "path", path, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.logger.Warn("file read failed", "repo", repo, "path", path, "error", err)
		return nil
	}
	return data
}

// GetFirstAvailable returns the contents of the first path that exists in the
// repository, or nil when none do.
func (c *Client) GetFirstAvailable(ctx context.Context, repo string, paths []string) []byte {
	for _, path := range paths {
		if data := c.GetFile(ctx, repo, path); data != nil {
			return data
		}
	}
	return nil
}

// GetReleaseNotes returns the body of the release tagged with the given
// version. Tags are tried with and without a leading "v". Missing releases
// yield "".
func (c *Client) GetReleaseNotes(ctx context.Context, repo, version string) string {
	for _, tag := range []string{"v" + version, version} {
		var result struct {
			Body string `json:"body"`
		}
		endpoint := fmt.Sprintf("%s/repos/%s/releases/tags/%s", c.apiURL, repo, url.PathEscape(tag))
		if err := c.getJSON(ctx, endpoint, &result); err != nil {
			continue
		}
		return result.Body
	}
	return ""
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewAPIError(0, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrRepoNotFound
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return ErrRateLimitExceeded
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return NewAPIError(resp.StatusCode, "unexpected status", fmt.Errorf("%s", body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
