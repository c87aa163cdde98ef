// Package githubapi is the Upstream API Client of spec §4.B: a thin typed
// wrapper over *http.Client with rate-limit admission discipline and
// per-endpoint circuit breaking.
package githubapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/aarondewes/ghscanner/internal/errors"
	"github.com/aarondewes/ghscanner/internal/scanmodel"
	sharedhttp "github.com/aarondewes/ghscanner/pkg/shared/http"
)

const defaultBaseURL = "https://api.github.com"

// RepoMeta is the subset of a GitHub repository payload the scheduler and
// scan job need.
type RepoMeta struct {
	Owner    string
	Name     string
	URL      string
	Archived bool
	Stars    int
}

// RateLimitSnapshot mirrors rate_limit()'s {core, search} response shape.
type RateLimitSnapshot struct {
	Core   RateLimitClass
	Search RateLimitClass
}

// RateLimitClass is one api_type's {limit, remaining, reset} tuple.
type RateLimitClass struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimitPersister is satisfied by queuestore.Store; kept as a narrow
// interface so this package never imports the store directly.
type RateLimitPersister interface {
	AppendRateLimitSample(ctx context.Context, sample scanmodel.RateLimitSample) error
}

// Client is the Upstream API Client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        *logrus.Logger
	persister  RateLimitPersister

	searchBreaker  *gobreaker.CircuitBreaker
	listBreaker    *gobreaker.CircuitBreaker
	actionsBreaker *gobreaker.CircuitBreaker
	rateBreaker    *gobreaker.CircuitBreaker
}

// New builds a Client. An empty token degrades to the tight anonymous rate
// limit, logging a single warning.
func New(token string, persister RateLimitPersister, logger *logrus.Logger) *Client {
	httpClient := sharedhttp.NewClient(sharedhttp.GitHubClientConfig())

	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, src)
	} else {
		logger.Warn("no GitHub token provided; anonymous rate limits apply")
	}

	breakerSettings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}
	}

	return &Client{
		httpClient:     httpClient,
		baseURL:        defaultBaseURL,
		log:            logger,
		persister:      persister,
		searchBreaker:  gobreaker.NewCircuitBreaker(breakerSettings("github-search")),
		listBreaker:    gobreaker.NewCircuitBreaker(breakerSettings("github-list")),
		actionsBreaker: gobreaker.NewCircuitBreaker(breakerSettings("github-actions")),
		rateBreaker:    gobreaker.NewCircuitBreaker(breakerSettings("github-rate-limit")),
	}
}

// WithBaseURL overrides the upstream API's base URL, for pointing a Client
// at a test server.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = url
	return c
}

const (
	searchPageSize       = 100
	searchAbsoluteCeiling = 1000
	minRemainingBeforePause = 10
)

// SearchTopRepositories pages through the search API, capped at
// max_results, the source's 1000-result ceiling, or a short page.
func (c *Client) SearchTopRepositories(ctx context.Context, query string, maxResults int) ([]RepoMeta, error) {
	var results []RepoMeta
	page := 1

	for len(results) < maxResults && len(results) < searchAbsoluteCeiling {
		if err := c.pauseIfSearchLow(ctx); err != nil {
			return results, err
		}

		items, retry, err := c.searchPage(ctx, query, page)
		if retry {
			time.Sleep(60 * time.Second)
			continue
		}
		if err != nil {
			return results, err
		}
		if len(items) == 0 {
			break
		}

		results = append(results, items...)
		if len(items) < searchPageSize {
			break
		}
		page++
		time.Sleep(time.Second)
	}

	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

func (c *Client) searchPage(ctx context.Context, query string, page int) ([]RepoMeta, bool, error) {
	result, err := c.searchBreaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/search/repositories?q=%s&sort=stars&order=desc&per_page=%d&page=%d",
			c.baseURL, query, searchPageSize, page)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusForbidden {
			return searchResponse{rateLimited: true}, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Newf(errors.ErrorTypeNetwork, "search returned status %d", resp.StatusCode)
		}

		var payload struct {
			Items []struct {
				Owner struct {
					Login string `json:"login"`
				} `json:"owner"`
				Name     string `json:"name"`
				HTMLURL  string `json:"html_url"`
				Archived bool   `json:"archived"`
				Stars    int    `json:"stargazers_count"`
			} `json:"items"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, err
		}

		items := make([]RepoMeta, len(payload.Items))
		for i, it := range payload.Items {
			items[i] = RepoMeta{
				Owner:    it.Owner.Login,
				Name:     it.Name,
				URL:      it.HTMLURL,
				Archived: it.Archived,
				Stars:    it.Stars,
			}
		}
		return searchResponse{items: items}, nil
	})
	if err != nil {
		c.log.WithError(err).Warn("search page request failed, aborting pagination")
		return nil, false, nil
	}

	sr := result.(searchResponse)
	return sr.items, sr.rateLimited, nil
}

type searchResponse struct {
	items       []RepoMeta
	rateLimited bool
}

const listPageSize = 100

// ListOwnerRepositories tries the user endpoint, falling back to the
// organization endpoint on 404.
func (c *Client) ListOwnerRepositories(ctx context.Context, owner string) ([]RepoMeta, error) {
	var results []RepoMeta
	page := 1

	for {
		if err := c.pauseIfCoreLow(ctx); err != nil {
			return results, err
		}

		items, retry, err := c.listPage(ctx, owner, page)
		if retry {
			time.Sleep(60 * time.Second)
			continue
		}
		if err != nil {
			return results, err
		}
		if len(items) == 0 {
			break
		}

		results = append(results, items...)
		if len(items) < listPageSize {
			break
		}
		page++
		time.Sleep(500 * time.Millisecond)
	}

	return results, nil
}

func (c *Client) listPage(ctx context.Context, owner string, page int) ([]RepoMeta, bool, error) {
	result, err := c.listBreaker.Execute(func() (interface{}, error) {
		userURL := fmt.Sprintf("%s/users/%s/repos?per_page=%d&page=%d", c.baseURL, owner, listPageSize, page)
		resp, err := c.get(ctx, userURL)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			orgURL := fmt.Sprintf("%s/orgs/%s/repos?per_page=%d&page=%d", c.baseURL, owner, listPageSize, page)
			resp, err = c.get(ctx, orgURL)
			if err != nil {
				return nil, err
			}
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusForbidden {
			return searchResponse{rateLimited: true}, nil
		}
		if resp.StatusCode != http.StatusOK {
			return searchResponse{}, nil
		}

		var payload []struct {
			Owner struct {
				Login string `json:"login"`
			} `json:"owner"`
			Name     string `json:"name"`
			HTMLURL  string `json:"html_url"`
			Archived bool   `json:"archived"`
			Stars    int    `json:"stargazers_count"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, err
		}

		items := make([]RepoMeta, len(payload))
		for i, it := range payload {
			items[i] = RepoMeta{
				Owner:    it.Owner.Login,
				Name:     it.Name,
				URL:      it.HTMLURL,
				Archived: it.Archived,
				Stars:    it.Stars,
			}
		}
		return searchResponse{items: items}, nil
	})
	if err != nil {
		c.log.WithError(err).Warn("list-owner-repositories request failed, aborting pagination")
		return nil, false, nil
	}

	sr := result.(searchResponse)
	return sr.items, sr.rateLimited, nil
}

// HasRecentActionRuns reports whether the repository has any workflow run.
// A 404 means no runs (false); a 403 is treated conservatively as false
// after a brief sleep.
func (c *Client) HasRecentActionRuns(ctx context.Context, owner, name string) bool {
	result, err := c.actionsBreaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/repos/%s/%s/actions/runs?per_page=1", c.baseURL, owner, name)
		resp, err := c.get(ctx, url)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		if resp.StatusCode == http.StatusForbidden {
			time.Sleep(2 * time.Second)
			return false, nil
		}
		if resp.StatusCode != http.StatusOK {
			return false, nil
		}

		var payload struct {
			TotalCount int `json:"total_count"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return false, nil
		}
		return payload.TotalCount > 0, nil
	})
	if err != nil {
		c.log.WithError(err).Debug("has-recent-action-runs check failed")
		return false
	}
	return result.(bool)
}

// RateLimit fetches the current core/search rate-limit status and persists
// a sample for each class.
func (c *Client) RateLimit(ctx context.Context) (RateLimitSnapshot, error) {
	result, err := c.rateBreaker.Execute(func() (interface{}, error) {
		resp, err := c.get(ctx, c.baseURL+"/rate_limit")
		if err != nil {
			return RateLimitSnapshot{}, err
		}
		defer resp.Body.Close()

		var payload struct {
			Resources struct {
				Core struct {
					Limit     int   `json:"limit"`
					Remaining int   `json:"remaining"`
					Reset     int64 `json:"reset"`
				} `json:"core"`
				Search struct {
					Limit     int   `json:"limit"`
					Remaining int   `json:"remaining"`
					Reset     int64 `json:"reset"`
				} `json:"search"`
			} `json:"resources"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return RateLimitSnapshot{}, err
		}

		return RateLimitSnapshot{
			Core: RateLimitClass{
				Limit:     payload.Resources.Core.Limit,
				Remaining: payload.Resources.Core.Remaining,
				ResetAt:   time.Unix(payload.Resources.Core.Reset, 0),
			},
			Search: RateLimitClass{
				Limit:     payload.Resources.Search.Limit,
				Remaining: payload.Resources.Search.Remaining,
				ResetAt:   time.Unix(payload.Resources.Search.Reset, 0),
			},
		}, nil
	})
	if err != nil {
		return RateLimitSnapshot{}, errors.Wrap(err, errors.ErrorTypeNetwork, "failed to fetch rate limit")
	}

	snapshot := result.(RateLimitSnapshot)
	if err := c.persister.AppendRateLimitSample(ctx, scanmodel.RateLimitSample{
		APIType: scanmodel.APITypeCore, Limit: snapshot.Core.Limit,
		Remaining: snapshot.Core.Remaining, ResetAt: snapshot.Core.ResetAt,
	}); err != nil {
		c.log.WithError(err).Warn("failed to persist core rate limit sample")
	}
	if err := c.persister.AppendRateLimitSample(ctx, scanmodel.RateLimitSample{
		APIType: scanmodel.APITypeSearch, Limit: snapshot.Search.Limit,
		Remaining: snapshot.Search.Remaining, ResetAt: snapshot.Search.ResetAt,
	}); err != nil {
		c.log.WithError(err).Warn("failed to persist search rate limit sample")
	}

	return snapshot, nil
}

// CalculateSafeJobs delegates to scanmodel's pure admission arithmetic
// against the last core rate-limit snapshot.
func (c *Client) CalculateSafeJobs(ctx context.Context, requestsPerJob int) (int, error) {
	snapshot, err := c.RateLimit(ctx)
	if err != nil {
		return 0, err
	}
	return scanmodel.CalculateSafeJobs(snapshot.Core.Remaining, requestsPerJob), nil
}

// WaitIfNeeded delegates to scanmodel's pure wait decision, sleeping in
// process when it returns Proceed with a non-zero Sleep.
func (c *Client) WaitIfNeeded(ctx context.Context, minRemaining int) (bool, error) {
	snapshot, err := c.RateLimit(ctx)
	if err != nil {
		return false, err
	}
	decision := scanmodel.WaitIfNeeded(snapshot.Core.Remaining, minRemaining, time.Until(snapshot.Core.ResetAt))
	if decision.Proceed && decision.Sleep > 0 {
		c.log.WithField("sleep", decision.Sleep).Info("pausing for rate limit reset")
		time.Sleep(decision.Sleep)
	}
	return decision.Proceed, nil
}

func (c *Client) pauseIfSearchLow(ctx context.Context) error {
	snapshot, err := c.RateLimit(ctx)
	if err != nil {
		return nil
	}
	if snapshot.Search.Remaining < minRemainingBeforePause {
		wait := time.Until(snapshot.Search.ResetAt) + time.Second
		if wait > 0 {
			time.Sleep(wait)
		}
	}
	return nil
}

func (c *Client) pauseIfCoreLow(ctx context.Context) error {
	snapshot, err := c.RateLimit(ctx)
	if err != nil {
		return nil
	}
	if snapshot.Core.Remaining < minRemainingBeforePause {
		wait := time.Until(snapshot.Core.ResetAt) + time.Second
		if wait > 0 {
			time.Sleep(wait)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}
