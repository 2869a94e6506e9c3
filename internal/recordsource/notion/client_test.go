package notion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/platform/config"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/sentinel"
)

const testDatabaseID = "db-contacts"

type NotionClientSuite struct {
	suite.Suite
	server   *httptest.Server
	client   *Client
	handler  atomic.Value // http.HandlerFunc
	requests atomic.Int64
	ctx      context.Context
}

func TestNotionClientSuite(t *testing.T) {
	suite.Run(t, new(NotionClientSuite))
}

func (s *NotionClientSuite) SetupTest() {
	s.requests.Store(0)
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		s.Equal(notionVersion, r.Header.Get("Notion-Version"))
		s.Equal("Bearer test-key", r.Header.Get("Authorization"))
		s.handler.Load().(http.HandlerFunc)(w, r)
	}))

	var err error
	s.client, err = New(config.Notion{
		BaseURL:    s.server.URL,
		APIKey:     "test-key",
		DatabaseID: testDatabaseID,
		Timeout:    time.Second,
	}, WithRetryInterval(time.Millisecond))
	s.Require().NoError(err)
	s.ctx = context.Background()
}

func (s *NotionClientSuite) TearDownTest() {
	s.server.Close()
}

func (s *NotionClientSuite) respond(fn http.HandlerFunc) {
	s.handler.Store(fn)
}

func (s *NotionClientSuite) TestNewRequiresDatabaseID() {
	_, err := New(config.Notion{BaseURL: "https://api.notion.com"})
	s.Error(err)
}

func (s *NotionClientSuite) TestLookupByPhone() {
	s.Run("returns the matching page id", func() {
		s.respond(func(w http.ResponseWriter, r *http.Request) {
			s.Equal(fmt.Sprintf("/v1/databases/%s/query", testDatabaseID), r.URL.Path)

			var req map[string]any
			s.Require().NoError(json.NewDecoder(r.Body).Decode(&req))
			filter := req["filter"].(map[string]any)
			s.Equal("Phone", filter["property"])
			s.Equal("+13365185544", filter["phone_number"].(map[string]any)["equals"])

			fmt.Fprint(w, `{"results":[{"id":"page-123"}]}`)
		})

		id, err := s.client.LookupByPhone(s.ctx, "+13365185544")
		s.Require().NoError(err)
		s.Equal("page-123", id)
	})

	s.Run("no match is empty, not an error", func() {
		s.respond(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"results":[]}`)
		})

		id, err := s.client.LookupByPhone(s.ctx, "+19998887777")
		s.Require().NoError(err)
		s.Empty(id)
	})
}

func (s *NotionClientSuite) TestLookupByEmail() {
	s.respond(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		s.Require().NoError(json.NewDecoder(r.Body).Decode(&req))
		filter := req["filter"].(map[string]any)
		s.Equal("Email", filter["property"])
		s.Equal("a@example.com", filter["email"].(map[string]any)["equals"])

		fmt.Fprint(w, `{"results":[{"id":"page-456"}]}`)
	})

	id, err := s.client.LookupByEmail(s.ctx, "a@example.com")
	s.Require().NoError(err)
	s.Equal("page-456", id)
}

func (s *NotionClientSuite) TestEntityMetadata() {
	s.Run("extracts identity properties", func() {
		s.respond(func(w http.ResponseWriter, r *http.Request) {
			s.Equal("/v1/pages/page-123", r.URL.Path)
			fmt.Fprint(w, `{
				"id": "page-123",
				"properties": {
					"Name": {"type": "title", "title": [{"plain_text": "Ada "}, {"plain_text": "Lovelace"}]},
					"Entity ID": {"type": "rich_text", "rich_text": [{"plain_text": "crm-789"}]}
				}
			}`)
		})

		meta, err := s.client.EntityMetadata(s.ctx, "page-123")
		s.Require().NoError(err)
		s.Equal("crm-789", meta.EntityID)
		s.Equal("Ada Lovelace", meta.DisplayName)
	})

	s.Run("missing page returns not found", func() {
		s.respond(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		_, err := s.client.EntityMetadata(s.ctx, "page-gone")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *NotionClientSuite) TestRecentlyChanged() {
	s.respond(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		s.Require().NoError(json.NewDecoder(r.Body).Decode(&req))
		s.Equal(float64(2), req["page_size"])
		sorts := req["sorts"].([]any)
		s.Require().Len(sorts, 1)
		s.Equal("last_edited_time", sorts[0].(map[string]any)["timestamp"])

		fmt.Fprint(w, `{"results":[
			{"id": "page-1", "last_edited_time": "2026-08-23T10:00:00Z"},
			{"id": "page-2", "last_edited_time": "2026-08-23T09:00:00Z"}
		]}`)
	})

	changed, err := s.client.RecentlyChanged(s.ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(changed, 2)
	s.Equal("page-1", changed[0].CanonicalID)
	s.True(changed[0].EditedAt.After(changed[1].EditedAt))
}

func (s *NotionClientSuite) TestRetriesTransientFailures() {
	s.Run("server errors are retried then surfaced as unavailable", func() {
		s.respond(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})

		_, err := s.client.LookupByPhone(s.ctx, "+13365185544")
		s.ErrorIs(err, sentinel.ErrUnavailable)
		s.Equal(int64(maxRetries+1), s.requests.Load())
	})

	s.Run("rate limits recover on a later attempt", func() {
		s.requests.Store(0)
		s.respond(func(w http.ResponseWriter, _ *http.Request) {
			if s.requests.Load() == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			fmt.Fprint(w, `{"results":[{"id":"page-123"}]}`)
		})

		id, err := s.client.LookupByPhone(s.ctx, "+13365185544")
		s.Require().NoError(err)
		s.Equal("page-123", id)
	})

	s.Run("client errors are not retried", func() {
		s.requests.Store(0)
		s.respond(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		})

		_, err := s.client.LookupByPhone(s.ctx, "+13365185544")
		s.Error(err)
		s.Equal(int64(1), s.requests.Load())
	})
}

func (s *NotionClientSuite) TestHonorsCallerDeadline() {
	s.respond(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		fmt.Fprint(w, `{"results":[]}`)
	})

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()

	_, err := s.client.LookupByPhone(ctx, "+13365185544")
	s.Error(err)
}
