package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabaki-ai/sabaki/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "bot@example.com", "token123", slog.New(slog.DiscardHandler))
}

const issueJSON = `{
  "key": "PROJ-100",
  "fields": {
    "summary": "Login button unresponsive on mobile Safari",
    "description": "Tapping login does nothing on iOS Safari 17.",
    "status": {"name": "Open"},
    "priority": {"name": "Medium"},
    "updated": "2026-08-20T10:15:30.000+0000",
    "issuelinks": [
      {"type": {"name": "Duplicate"}, "outwardIssue": {"key": "PROJ-42"}},
      {"type": {"name": "Relates"}, "inwardIssue": {"key": "PROJ-42"}},
      {"type": {"name": "Cloners"}, "inwardIssue": {"key": "PROJ-7"}}
    ]
  }
}`

func TestGetIssue(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/issue/PROJ-100", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "bot@example.com", user)
		assert.Equal(t, "token123", pass)

		_, _ = w.Write([]byte(issueJSON))
	})

	issue, err := client.GetIssue(context.Background(), "PROJ-100")
	require.NoError(t, err)

	assert.Equal(t, "PROJ-100", issue.Ticket.Key)
	assert.Equal(t, "Login button unresponsive on mobile Safari", issue.Ticket.Summary)
	assert.Equal(t, "Open", issue.Ticket.Status)
	assert.Equal(t, model.PriorityMedium, issue.Ticket.Priority)
	assert.Equal(t, 2026, issue.Ticket.UpdatedAt.Year())
	assert.Equal(t, map[string][]model.RelationKind{
		"PROJ-42": {model.RelationDuplicate, model.RelationRelatesTo},
		"PROJ-7":  nil,
	}, issue.Links, "link kinds captured per target, unknown link types kept kindless")
}

func TestGetIssueNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errorMessages":["Issue does not exist"]}`, http.StatusNotFound)
	})

	_, err := client.GetIssue(context.Background(), "PROJ-404")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.False(t, apiErr.Transient())
}

func TestSearchUnresolvedPaginates(t *testing.T) {
	pages := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/search", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("jql"), "resolution = unresolved")

		pages++
		resp := jiraSearchResponse{Total: 3, MaxResults: 2}
		switch r.URL.Query().Get("startAt") {
		case "0":
			resp.Issues = []jiraIssue{{Key: "PROJ-1"}, {Key: "PROJ-2"}}
		case "2":
			resp.StartAt = 2
			resp.Issues = []jiraIssue{{Key: "PROJ-3"}}
		default:
			t.Errorf("unexpected startAt %q", r.URL.Query().Get("startAt"))
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	issues, err := client.SearchUnresolved(context.Background(), "PROJ")
	require.NoError(t, err)
	require.Len(t, issues, 3)
	assert.Equal(t, 2, pages)
	assert.Equal(t, "PROJ-3", issues[2].Ticket.Key)
}

func TestCreateLink(t *testing.T) {
	var got jiraLinkRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/issueLink", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})

	err := client.CreateLink(context.Background(), model.LinkDecision{
		SourceKey: "PROJ-100",
		TargetKey: "PROJ-42",
		Kind:      model.RelationDuplicate,
	})
	require.NoError(t, err)

	assert.Equal(t, "Duplicate", got.Type.Name)
	assert.Equal(t, "PROJ-100", got.OutwardIssue.Key)
	assert.Equal(t, "PROJ-42", got.InwardIssue.Key)
}

func TestCreateLinkNoneIsNoop(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for relation none")
	})

	err := client.CreateLink(context.Background(), model.LinkDecision{
		SourceKey: "PROJ-100",
		TargetKey: "PROJ-42",
		Kind:      model.RelationNone,
	})
	require.NoError(t, err)
}

func TestCreateLinkAlreadyExists(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{name: "conflict is a no-op", status: http.StatusConflict, body: `{"errorMessages":["link exists"]}`},
		{name: "bad request saying link exists is a no-op", status: http.StatusBadRequest, body: `{"errorMessages":["An issue link already exists between PROJ-100 and PROJ-42."]}`},
		{name: "other bad request still fails", status: http.StatusBadRequest, body: `{"errorMessages":["issue does not exist"]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			err := client.CreateLink(context.Background(), model.LinkDecision{
				SourceKey: "PROJ-100",
				TargetKey: "PROJ-42",
				Kind:      model.RelationDuplicate,
			})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestUpdatePriority(t *testing.T) {
	var got map[string]map[string]map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/issue/PROJ-100", r.URL.Path)
		assert.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.UpdatePriority(context.Background(), "PROJ-100", model.PriorityHigh))
	assert.Equal(t, "High", got["fields"]["priority"]["name"])
}

func TestAddComment(t *testing.T) {
	var got map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/issue/PROJ-100/comment", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, client.AddComment(context.Background(), "PROJ-100", "user_story: ..."))
	assert.Equal(t, "user_story: ...", got["body"])
}

func TestHealthy(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/rest/api/2/myself", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		})
		assert.NoError(t, client.Healthy(context.Background()))
	})

	t.Run("bad credentials", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
		err := client.Healthy(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	})

	t.Run("rate limited is transient", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
		})
		err := client.Healthy(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.True(t, apiErr.Transient())
	})
}
