package zitadel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/oidc-gateway/pkg/oidc"
)

func TestFetchAllUsers(t *testing.T) {
	pages := []string{
		`{
			"result": [
				{
					"userId": "u1",
					"preferredLoginName": "alice@org.example.com",
					"loginNames": ["alice@org.example.com"],
					"human": {"email": {"email": "alice@example.com"}}
				},
				{
					"userId": "machine-1",
					"preferredLoginName": "ci-bot",
					"loginNames": ["ci-bot"]
				}
			],
			"nextPageToken": "page-2"
		}`,
		`{
			"result": [
				{
					"userId": "u2",
					"loginNames": ["bob@org.example.com"],
					"human": {"email": {"email": "bob@example.com"}}
				}
			],
			"nextPageToken": ""
		}`,
	}

	var requests []listUsersRequest
	var auths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/users", r.URL.Path)
		auths = append(auths, r.Header.Get("Authorization"))

		var req listUsersRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)

		w.Write([]byte(pages[len(requests)-1]))
	}))
	defer server.Close()

	admin, err := NewAdminClient(server.Client(), server.URL, "pat-secret")
	require.NoError(t, err)

	users, err := admin.FetchAllUsers(context.Background())
	require.NoError(t, err)

	// The machine account carries no human profile and is skipped.
	require.Len(t, users, 2)
	assert.Equal(t, oidc.DirectoryUser{Subject: "u1", Username: "alice@org.example.com", Email: "alice@example.com"}, users[0])
	// No preferredLoginName falls back to the first login name.
	assert.Equal(t, oidc.DirectoryUser{Subject: "u2", Username: "bob@org.example.com", Email: "bob@example.com"}, users[1])

	require.Len(t, requests, 2)
	assert.Empty(t, requests[0].PageToken)
	assert.Equal(t, "page-2", requests[1].PageToken)
	assert.Equal(t, "SORTING_COLUMN_CREATION_DATE", requests[0].SortingColumn)
	assert.True(t, requests[0].Asc)
	for _, a := range auths {
		assert.Equal(t, "Bearer pat-secret", a)
	}
}

func TestFetchAllUsersFailures(t *testing.T) {
	t.Run("Unauthorized", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
		}))
		defer server.Close()

		admin, err := NewAdminClient(server.Client(), server.URL, "bad-pat")
		require.NoError(t, err)
		_, err = admin.FetchAllUsers(context.Background())
		assert.ErrorIs(t, err, oidc.ErrProvider)
	})

	t.Run("MalformedResponse", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("{broken"))
		}))
		defer server.Close()

		admin, err := NewAdminClient(server.Client(), server.URL, "pat")
		require.NoError(t, err)
		_, err = admin.FetchAllUsers(context.Background())
		assert.ErrorIs(t, err, oidc.ErrProvider)
	})
}
