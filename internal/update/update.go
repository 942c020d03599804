// Package update checks GitHub releases for a newer published version.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/martinsuchenak/usbtrackd/internal/log"
)

const defaultReleaseURL = "https://api.github.com/repos/martinsuchenak/usbtrackd/releases/latest"

// Checker queries the release feed and compares against the running
// version.
type Checker struct {
	url     string
	version string
	client  *http.Client
}

// NewChecker returns a checker for the given running version.
func NewChecker(version string) *Checker {
	return &Checker{
		url:     defaultReleaseURL,
		version: version,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// NewCheckerAt returns a checker against an alternate release URL.
func NewCheckerAt(url, version string) *Checker {
	c := NewChecker(version)
	c.url = url
	return c
}

// Check returns the latest released version when it is strictly newer
// than the running one, or "" when up to date.
func (c *Checker) Check(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "usbtrackd")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("release feed returned %s", resp.Status)
	}

	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", fmt.Errorf("decoding release feed: %w", err)
	}

	latest := strings.TrimPrefix(release.TagName, "v")
	current := strings.TrimPrefix(c.version, "v")
	log.Debug("Update check", "current", current, "latest", latest)

	if IsNewer(current, latest) {
		return latest, nil
	}
	return "", nil
}

// IsNewer compares two dotted version strings part by part and reports
// whether latest is strictly newer than current. Missing or non-numeric
// parts count as zero.
func IsNewer(current, latest string) bool {
	cur := parts(current)
	lat := parts(latest)
	for i := 0; i < 3; i++ {
		if lat[i] > cur[i] {
			return true
		}
		if lat[i] < cur[i] {
			return false
		}
	}
	return false
}

func parts(version string) [3]int {
	var out [3]int
	for i, p := range strings.SplitN(version, ".", 3) {
		if i >= 3 {
			break
		}
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err == nil {
			out[i] = n
		}
	}
	return out
}
