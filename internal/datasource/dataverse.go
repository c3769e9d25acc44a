package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shiftctl/runbookd/internal/errors"
	"github.com/shiftctl/runbookd/internal/runbook"
)

// DataverseClient queries a Dataverse environment through its SQL query
// endpoint. The runbook's connection env var holds the endpoint URL; a token
// embedded as URL userinfo (https://:token@host/...) becomes the bearer
// credential.
type DataverseClient struct {
	httpClient *http.Client
}

// NewDataverseClient creates a client. A nil http.Client gets a 60s timeout
// default.
func NewDataverseClient(httpClient *http.Client) *DataverseClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &DataverseClient{httpClient: httpClient}
}

type dataverseResponse struct {
	Value []map[string]any `json:"value"`
}

// Query posts the runbook's SQL to the environment and materializes the
// OData-style response into a table.
func (c *DataverseClient) Query(ctx context.Context, runbookName string, src *runbook.DataSource) (*Table, error) {
	endpoint, err := resolveEnv(runbookName, "connection", src.Connection)
	if err != nil {
		return nil, err
	}
	base, token, err := splitCredential(endpoint)
	if err != nil {
		return nil, errors.ErrDataSourceFailure(runbookName, err)
	}

	payload, err := json.Marshal(map[string]string{"query": src.Query})
	if err != nil {
		return nil, errors.ErrDataSourceFailure(runbookName, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.ErrDataSourceFailure(runbookName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.ErrDataSourceFailure(runbookName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, errors.ErrDataSourceFailure(runbookName,
			fmt.Errorf("dataverse query returned %d: %s", resp.StatusCode, string(body)))
	}

	var parsed dataverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.ErrDataSourceFailure(runbookName, fmt.Errorf("decode response: %w", err))
	}

	table := &Table{}
	seen := map[string]bool{}
	for _, record := range parsed.Value {
		row := make(map[string]string, len(record))
		for col, val := range record {
			row[col] = stringifyCell(val)
			if !seen[col] {
				seen[col] = true
				table.Columns = append(table.Columns, col)
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// splitCredential separates an optional userinfo token from an endpoint URL.
func splitCredential(endpoint string) (base, token string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("invalid connection URL: %w", err)
	}
	if u.User != nil {
		if pw, ok := u.User.Password(); ok && pw != "" {
			token = pw
		} else {
			token = u.User.Username()
		}
		u.User = nil
	}
	return u.String(), token, nil
}
