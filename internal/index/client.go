// Package index implements the package-index (PyPI) adapter. It discovers
// plugins via the index's classifier search, fetches per-version release
// metadata from the JSON API, and answers liveness queries for the removal
// path of the update job.
//
// Failure policy: GetMetadata converts any transport or status failure into an
// empty result after logging it, so aggregation logic never sees a provider
// error. ListAllPlugins returns an error instead, because an empty listing is
// indistinguishable from "every plugin was unpublished" and the caller must
// skip the pass rather than act on it.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/napari-hub/hub-backend/internal/config"
)

// Search result pages are HTML; the JSON API has no classifier filter, so the
// listing is scraped from the package snippets the same way the hub frontend's
// own crawler does it.
var (
	snippetNameRE    = regexp.MustCompile(`<span class="package-snippet__name">([^<]+)</span>`)
	snippetVersionRE = regexp.MustCompile(`<span class="package-snippet__version">([^<]+)</span>`)
)

// Client talks to a PyPI-compatible package index.
type Client struct {
	baseURL     string
	searchQuery string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a package index client from configuration.
func NewClient(cfg *config.IndexConfig) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		searchQuery: cfg.SearchQuery,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: slog.Default().With("component", "index"),
	}
}

// ListAllPlugins returns the latest version of every package matching the
// configured classifier search, keyed by lowercased package name. Pagination
// stops at the first page with no package snippets.
func (c *Client) ListAllPlugins(ctx context.Context) (map[string]string, error) {
	plugins := make(map[string]string)

	for page := 1; ; page++ {
		names, versions, err := c.fetchSearchPage(ctx, page)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			break
		}
		if len(names) != len(versions) {
			return nil, fmt.Errorf("search page %d returned %d names but %d versions", page, len(names), len(versions))
		}
		for i, name := range names {
			plugins[NormalizeName(name)] = versions[i]
		}
	}

	return plugins, nil
}

func (c *Client) fetchSearchPage(ctx context.Context, page int) ([]string, []string, error) {
	searchURL := fmt.Sprintf("%s/search/?c=%s&page=%d", c.baseURL, url.QueryEscape(c.searchQuery), page)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build search request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to call index search: %w", err)
	}
	defer resp.Body.Close()

	// The index returns 404 for pages past the end of the result set.
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nil, fmt.Errorf("index search returned %d: %s", resp.StatusCode, string(body))
	}

	html, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read search page: %w", err)
	}

	var names, versions []string
	for _, m := range snippetNameRE.FindAllStringSubmatch(string(html), -1) {
		names = append(names, m[1])
	}
	for _, m := range snippetVersionRE.FindAllStringSubmatch(string(html), -1) {
		versions = append(versions, m[1])
	}
	return names, versions, nil
}

// GetMetadata fetches and formats release metadata for one plugin version.
// Any failure is logged and yields an empty map, never an error.
func (c *Client) GetMetadata(ctx context.Context, name, version string) map[string]any {
	var data apiResponse
	apiURL := fmt.Sprintf("%s/pypi/%s/%s/json", c.baseURL, url.PathEscape(name), url.PathEscape(version))

	if err := c.getJSON(ctx, apiURL, &data); err != nil {
		c.logger.Warn("plugin metadata unavailable",
			"plugin", name, "version", version, "error", err)
		return map[string]any{}
	}

	return formatMetadata(&data, version)
}

// IsLive reports whether the index still considers the plugin live. A 404 from
// the project endpoint means the package was unpublished; any other failure is
// treated as live so a flaky index query never triggers a removal.
func (c *Client) IsLive(ctx context.Context, name string) bool {
	apiURL := fmt.Sprintf("%s/pypi/%s/json", c.baseURL, url.PathEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return true
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("liveness check inconclusive, treating as live", "plugin", name, "error", err)
		return true
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode != http.StatusNotFound
}

func (c *Client) getJSON(ctx context.Context, apiURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build index request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("index returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode index response: %w", err)
	}
	return nil
}

// NormalizeName lowercases a package name and folds underscores and dots to
// hyphens (PEP 503).
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "_", "-")
	name = strings.ReplaceAll(name, ".", "-")
	return name
}

// ----- index API types -------------------------------------------------------

type apiResponse struct {
	Info     apiInfo                 `json:"info"`
	Releases map[string][]apiRelease `json:"releases"`
	URLs     []apiRelease            `json:"urls"`
}

type apiInfo struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Summary         string            `json:"summary"`
	Description     string            `json:"description"`
	DescriptionType string            `json:"description_content_type"`
	Author          string            `json:"author"`
	AuthorEmail     string            `json:"author_email"`
	License         string            `json:"license"`
	Classifiers     []string          `json:"classifiers"`
	RequiresDist    []string          `json:"requires_dist"`
	RequiresPython  string            `json:"requires_python"`
	ProjectURLs     map[string]string `json:"project_urls"`
	HomePage        string            `json:"home_page"`
}

type apiRelease struct {
	UploadTime string `json:"upload_time_iso_8601"`
}

// ----- metadata formatting ---------------------------------------------------

// formatMetadata flattens the index response into the METADATA fragment shape
// consumed by the aggregator. Keys absent from the response are omitted.
func formatMetadata(data *apiResponse, version string) map[string]any {
	info := &data.Info
	meta := map[string]any{
		"name":    NormalizeName(info.Name),
		"version": version,
	}

	if info.Summary != "" {
		meta["summary"] = info.Summary
	}
	if info.Description != "" {
		meta["description"] = info.Description
		meta["description_content_type"] = info.DescriptionType
	}
	if authors := splitAuthors(info.Author); len(authors) > 0 {
		meta["authors"] = authors
	}
	if lic := extractLicense(info.License, info.Classifiers); lic != "" {
		meta["license"] = lic
	}
	if info.RequiresPython != "" {
		meta["python_version"] = info.RequiresPython
	}
	if len(info.RequiresDist) > 0 {
		meta["requirements"] = info.RequiresDist
	}

	if osList := classifierValues(info.Classifiers, "Operating System"); len(osList) > 0 {
		meta["operating_system"] = osList
	}
	if status := classifierValues(info.Classifiers, "Development Status"); len(status) > 0 {
		meta["development_status"] = status
	}

	if repo := repositoryURL(info); repo != "" {
		meta["code_repository"] = repo
	}
	if info.HomePage != "" {
		meta["project_site"] = info.HomePage
	}

	if rd := releaseTime(data.Releases[version]); rd != "" {
		meta["release_date"] = rd
	}
	if first := firstReleaseTime(data.Releases); first != "" {
		meta["first_released"] = first
	}

	return meta
}

// splitAuthors breaks a comma / ampersand / "and"-separated author string into
// the hub's list-of-objects shape.
func splitAuthors(author string) []map[string]string {
	if author == "" {
		return nil
	}
	fields := regexp.MustCompile(`\s*(?:,|&|\band\b)\s*`).Split(author, -1)
	var authors []map[string]string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			authors = append(authors, map[string]string{"name": f})
		}
	}
	return authors
}

// extractLicense prefers the license classifier over the free-text license
// field, which is frequently the entire license body.
func extractLicense(license string, classifiers []string) string {
	for _, c := range classifiers {
		if strings.HasPrefix(c, "License :: ") {
			parts := strings.Split(c, " :: ")
			return parts[len(parts)-1]
		}
	}
	if license != "" && len(license) < 100 && !strings.Contains(license, "\n") {
		return strings.TrimSpace(license)
	}
	return ""
}

// classifierValues collects the trailing segment of every classifier under the
// given top-level group, e.g. "Operating System :: OS Independent".
func classifierValues(classifiers []string, group string) []string {
	var values []string
	for _, c := range classifiers {
		if strings.HasPrefix(c, group+" :: ") {
			parts := strings.Split(c, " :: ")
			values = append(values, parts[len(parts)-1])
		}
	}
	return values
}

// repositoryURL finds the source repository from project_urls, falling back to
// the home page when it points at a known code host.
func repositoryURL(info *apiInfo) string {
	for _, key := range []string{"Source Code", "Source", "Repository", "Code"} {
		if u, ok := info.ProjectURLs[key]; ok && u != "" {
			return u
		}
	}
	if strings.Contains(info.HomePage, "github.com") || strings.Contains(info.HomePage, "gitlab.com") {
		return info.HomePage
	}
	return ""
}

func releaseTime(files []apiRelease) string {
	for _, f := range files {
		if f.UploadTime != "" {
			return f.UploadTime
		}
	}
	return ""
}

// firstReleaseTime scans every release for the oldest upload timestamp.
func firstReleaseTime(releases map[string][]apiRelease) string {
	var times []string
	for _, files := range releases {
		for _, f := range files {
			if f.UploadTime != "" {
				times = append(times, f.UploadTime)
			}
		}
	}
	if len(times) == 0 {
		return ""
	}
	sort.Strings(times)
	if _, err := time.Parse(time.RFC3339, times[0]); err != nil {
		return ""
	}
	return times[0]
}
