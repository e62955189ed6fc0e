// Package tracker talks to the issue tracker (Jira REST API v2). It is the
// only package that writes to the tracker; all mutations flow through the
// triage coordinator.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sabaki-ai/sabaki/internal/backoff"
	"github.com/sabaki-ai/sabaki/internal/model"
)

// jiraTimeLayout is Jira's timestamp format for the updated field.
const jiraTimeLayout = "2006-01-02T15:04:05.000-0700"

// linkTypeNames maps relation kinds to Jira link type names. Jira's
// built-in types; "none" never reaches the tracker.
var linkTypeNames = map[model.RelationKind]string{
	model.RelationDuplicate: "Duplicate",
	model.RelationBlocks:    "Blocks",
	model.RelationRelatesTo: "Relates",
}

// relationKindsByType is the reverse mapping for parsing existing links.
var relationKindsByType = map[string]model.RelationKind{
	"Duplicate": model.RelationDuplicate,
	"Blocks":    model.RelationBlocks,
	"Relates":   model.RelationRelatesTo,
}

// APIError is a non-2xx tracker response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker: status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the failure is worth retrying.
func (e *APIError) Transient() bool {
	return backoff.ClassifyHTTPStatus(e.StatusCode) == backoff.ClassTransient
}

// Client is a Jira REST API v2 client authenticated with basic auth
// (email + API token).
type Client struct {
	baseURL    string
	email      string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a tracker client. baseURL is the Jira site root, e.g.
// "https://example.atlassian.net".
func NewClient(baseURL, email, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		email:   email,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Issue is the fields subset of a Jira issue the engine reads.
type Issue struct {
	Ticket model.Ticket
	// Links maps the key of every issue already linked to this one to the
	// relation kinds of those links. Links whose type is outside the
	// engine's vocabulary record the key with no kinds, so the target is
	// still known to be linked.
	Links map[string][]model.RelationKind
}

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		Priority struct {
			Name string `json:"name"`
		} `json:"priority"`
		Updated    string `json:"updated"`
		IssueLinks []struct {
			Type struct {
				Name string `json:"name"`
			} `json:"type"`
			InwardIssue *struct {
				Key string `json:"key"`
			} `json:"inwardIssue"`
			OutwardIssue *struct {
				Key string `json:"key"`
			} `json:"outwardIssue"`
		} `json:"issuelinks"`
	} `json:"fields"`
}

func (j jiraIssue) toIssue() Issue {
	priority, _ := model.ParsePriority(j.Fields.Priority.Name)
	updated, _ := time.Parse(jiraTimeLayout, j.Fields.Updated)

	links := make(map[string][]model.RelationKind)
	record := func(key, typeName string) {
		kind, known := relationKindsByType[typeName]
		if _, seen := links[key]; !seen {
			links[key] = nil
		}
		if known && !containsKind(links[key], kind) {
			links[key] = append(links[key], kind)
		}
	}
	for _, l := range j.Fields.IssueLinks {
		if l.InwardIssue != nil {
			record(l.InwardIssue.Key, l.Type.Name)
		}
		if l.OutwardIssue != nil {
			record(l.OutwardIssue.Key, l.Type.Name)
		}
	}

	return Issue{
		Ticket: model.Ticket{
			Key:         j.Key,
			Summary:     j.Fields.Summary,
			Description: j.Fields.Description,
			Status:      j.Fields.Status.Name,
			Priority:    priority,
			UpdatedAt:   updated,
		},
		Links: links,
	}
}

func containsKind(kinds []model.RelationKind, kind model.RelationKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

const issueFields = "summary,description,status,priority,updated,issuelinks"

// GetIssue fetches one issue with its existing links.
func (c *Client) GetIssue(ctx context.Context, key string) (Issue, error) {
	var issue jiraIssue
	path := "/rest/api/2/issue/" + url.PathEscape(key) + "?fields=" + issueFields
	if err := c.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return Issue{}, fmt.Errorf("tracker: get issue %s: %w", key, err)
	}
	return issue.toIssue(), nil
}

type jiraSearchResponse struct {
	StartAt    int         `json:"startAt"`
	MaxResults int         `json:"maxResults"`
	Total      int         `json:"total"`
	Issues     []jiraIssue `json:"issues"`
}

// SearchUnresolved returns every unresolved issue in the project, paging
// through the search API. Used for index backfill.
func (c *Client) SearchUnresolved(ctx context.Context, project string) ([]Issue, error) {
	jql := fmt.Sprintf("project = %q AND resolution = unresolved ORDER BY key ASC", project)

	var issues []Issue
	for startAt := 0; ; {
		path := "/rest/api/2/search?jql=" + url.QueryEscape(jql) +
			"&fields=" + issueFields +
			"&startAt=" + strconv.Itoa(startAt) +
			"&maxResults=100"

		var page jiraSearchResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, fmt.Errorf("tracker: search unresolved in %s: %w", project, err)
		}

		for _, ji := range page.Issues {
			issues = append(issues, ji.toIssue())
		}

		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			break
		}
	}
	return issues, nil
}

type jiraLinkRequest struct {
	Type struct {
		Name string `json:"name"`
	} `json:"type"`
	InwardIssue struct {
		Key string `json:"key"`
	} `json:"inwardIssue"`
	OutwardIssue struct {
		Key string `json:"key"`
	} `json:"outwardIssue"`
}

// CreateLink writes one link decision to the tracker. Kind "none" is a
// no-op. Direction follows Jira's convention: the source is the outward
// issue ("PROJ-1 blocks PROJ-2", "PROJ-1 duplicates PROJ-2").
func (c *Client) CreateLink(ctx context.Context, d model.LinkDecision) error {
	if d.Kind == model.RelationNone {
		return nil
	}
	typeName, ok := linkTypeNames[d.Kind]
	if !ok {
		return fmt.Errorf("tracker: no link type for relation %q", d.Kind)
	}

	var req jiraLinkRequest
	req.Type.Name = typeName
	req.OutwardIssue.Key = d.SourceKey
	req.InwardIssue.Key = d.TargetKey

	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issueLink", req, nil); err != nil {
		// An identical link already exists (created out-of-band or by a
		// concurrent run). Creating it again is a no-op, not a failure.
		if isDuplicateLinkError(err) {
			c.logger.Info("tracker: link already exists",
				"source", d.SourceKey, "target", d.TargetKey, "kind", d.Kind)
			return nil
		}
		return fmt.Errorf("tracker: link %s -> %s (%s): %w", d.SourceKey, d.TargetKey, d.Kind, err)
	}
	c.logger.Info("tracker: link created",
		"source", d.SourceKey, "target", d.TargetKey, "kind", d.Kind)
	return nil
}

// isDuplicateLinkError matches the tracker's already-exists responses to the
// link endpoint: a 409, or a 400 whose error body says the link exists.
func isDuplicateLinkError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusConflict {
		return true
	}
	return apiErr.StatusCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Body), "already exists")
}

// UpdatePriority sets the issue's priority field.
func (c *Client) UpdatePriority(ctx context.Context, key string, p model.Priority) error {
	body := map[string]any{
		"fields": map[string]any{
			"priority": map[string]string{"name": p.TrackerName()},
		},
	}
	path := "/rest/api/2/issue/" + url.PathEscape(key)
	if err := c.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("tracker: update priority of %s: %w", key, err)
	}
	c.logger.Info("tracker: priority updated", "key", key, "priority", p)
	return nil
}

// AddComment posts a comment on the issue.
func (c *Client) AddComment(ctx context.Context, key, comment string) error {
	body := map[string]string{"body": comment}
	path := "/rest/api/2/issue/" + url.PathEscape(key) + "/comment"
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("tracker: comment on %s: %w", key, err)
	}
	return nil
}

// Healthy verifies credentials and reachability via the myself endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/myself", nil, nil); err != nil {
		return fmt.Errorf("tracker: unhealthy: %w", err)
	}
	return nil
}

// do sends one request. A nil out discards the response body; a non-2xx
// status becomes an APIError carrying the status for retry classification.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.email, c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
