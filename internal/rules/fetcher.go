// Package rules maintains the detection rule set consumed by scan workers.
// Rules live as .yara files in a GitHub repository; the fetcher downloads the
// repository zipball together with the head commit SHA and keeps the latest
// snapshot in memory. The commit SHA is the fingerprint stamped onto assigned
// jobs so workers can tell which rule set produced a result.
package rules

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v81/github"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

// ErrNoSnapshot means no rule set has been fetched yet.
var ErrNoSnapshot = errors.New("no rules snapshot available")

// Snapshot is one consistent view of the rule set.
type Snapshot struct {
	Commit string
	Rules  map[string]string
}

// Names returns the rule names of the snapshot in arbitrary order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Rules))
	for name := range s.Rules {
		names = append(names, name)
	}
	return names
}

// Fetcher fetches and caches rule-set snapshots. Safe for concurrent use.
type Fetcher struct {
	gh    *github.Client
	http  *http.Client
	owner string
	repo  string
	ref   string

	mu      sync.RWMutex
	current Snapshot
	fetched bool
}

// NewFetcher builds a Fetcher talking to api.github.com. An empty token means
// unauthenticated requests, which is enough for public rule repositories.
func NewFetcher(token, owner, repo, ref string) *Fetcher {
	transport := http.DefaultTransport
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		transport = &oauth2.Transport{Source: ts, Base: transport}
	}
	hc := &http.Client{Transport: transport, Timeout: 60 * time.Second}
	return NewFetcherWithClient(github.NewClient(hc), hc, owner, repo, ref)
}

// NewFetcherWithClient injects a preconfigured GitHub client, used by tests to
// point at a local server.
func NewFetcherWithClient(gh *github.Client, hc *http.Client, owner, repo, ref string) *Fetcher {
	return &Fetcher{gh: gh, http: hc, owner: owner, repo: repo, ref: ref}
}

// Snapshot returns the most recently fetched rule set.
func (f *Fetcher) Snapshot() (Snapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.fetched {
		return Snapshot{}, ErrNoSnapshot
	}
	return f.current, nil
}

// Refresh fetches the head commit SHA and the repository archive concurrently,
// parses out the .yara files, and atomically replaces the current snapshot.
func (f *Fetcher) Refresh(ctx context.Context) (Snapshot, error) {
	var (
		commit  string
		archive []byte
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sha, _, err := f.gh.Repositories.GetCommitSHA1(gctx, f.owner, f.repo, f.ref, "")
		if err != nil {
			return fmt.Errorf("get head commit: %w", err)
		}
		commit = sha
		return nil
	})
	g.Go(func() error {
		link, _, err := f.gh.Repositories.GetArchiveLink(gctx, f.owner, f.repo, github.Zipball,
			&github.RepositoryContentGetOptions{Ref: f.ref}, 5)
		if err != nil {
			return fmt.Errorf("get archive link: %w", err)
		}

		req, err := http.NewRequestWithContext(gctx, http.MethodGet, link.String(), nil)
		if err != nil {
			return fmt.Errorf("build archive request: %w", err)
		}
		resp, err := f.http.Do(req)
		if err != nil {
			return fmt.Errorf("download archive: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("download archive: status %d", resp.StatusCode)
		}
		archive, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	parsed, err := parseArchive(archive)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Commit: commit, Rules: parsed}
	f.mu.Lock()
	f.current = snap
	f.fetched = true
	f.mu.Unlock()
	return snap, nil
}

// parseArchive extracts rule files from a repository zipball, mapping the base
// file name without the .yara suffix to its content.
func parseArchive(archive []byte) (map[string]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	parsed := make(map[string]string)
	for _, file := range zr.File {
		if !strings.HasSuffix(file.Name, ".yara") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", file.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file.Name, err)
		}
		name := strings.TrimSuffix(path.Base(file.Name), ".yara")
		parsed[name] = string(content)
	}
	return parsed, nil
}
