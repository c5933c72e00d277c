package zitadel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tendant/oidc-gateway/pkg/oidc"
)

// AdminClient lists users through the ZITADEL v2 user API. It requires a
// service-account bearer token with user.read permission.
type AdminClient struct {
	client  *http.Client
	baseURL *url.URL
	token   string
}

var _ oidc.AdminAPI = (*AdminClient)(nil)

// NewAdminClient builds an admin client for the given instance base URL.
func NewAdminClient(client *http.Client, baseURL, bearerToken string) (*AdminClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid admin base URL: %v", oidc.ErrProvider, err)
	}
	return &AdminClient{client: client, baseURL: u, token: bearerToken}, nil
}

type listUsersRequest struct {
	Queries       []any  `json:"queries"`
	SortingColumn string `json:"sorting_column"`
	Asc           bool   `json:"asc"`
	PageToken     string `json:"page_token,omitempty"`
}

type listUsersResponse struct {
	Result        []userV2 `json:"result"`
	NextPageToken string   `json:"nextPageToken"`
}

type userV2 struct {
	UserID             string     `json:"userId"`
	PreferredLoginName string     `json:"preferredLoginName"`
	LoginNames         []string   `json:"loginNames"`
	Human              *humanUser `json:"human"`
}

type humanUser struct {
	Email *humanEmail `json:"email"`
}

type humanEmail struct {
	Email string `json:"email"`
}

// FetchAllUsers pages through the v2 user listing and returns every human
// user. Service/machine accounts are skipped.
func (c *AdminClient) FetchAllUsers(ctx context.Context) ([]oidc.DirectoryUser, error) {
	endpoint := c.baseURL.JoinPath("/v2/users").String()

	var users []oidc.DirectoryUser
	pageToken := ""

	for {
		reqBody := listUsersRequest{
			Queries:       []any{},
			SortingColumn: "SORTING_COLUMN_CREATION_DATE",
			Asc:           true,
			PageToken:     pageToken,
		}
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal user listing request: %v", oidc.ErrProvider, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: build user listing request: %v", oidc.ErrProvider, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: user listing request: %v", oidc.ErrNetwork, err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read user listing response: %v", oidc.ErrNetwork, err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: user listing status=%d", oidc.ErrProvider, resp.StatusCode)
		}

		var page listUsersResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("%w: decode user listing: %v", oidc.ErrProvider, err)
		}

		for _, u := range page.Result {
			// Only human users belong in the local directory.
			if u.Human == nil {
				continue
			}

			email := ""
			if u.Human.Email != nil {
				email = u.Human.Email.Email
			}

			username := u.PreferredLoginName
			if username == "" && len(u.LoginNames) > 0 {
				username = u.LoginNames[0]
			}

			users = append(users, oidc.DirectoryUser{
				Subject:  u.UserID,
				Username: username,
				Email:    email,
			})
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	slog.Debug("fetched user directory", "count", len(users))
	return users, nil
}
