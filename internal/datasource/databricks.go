package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shiftctl/runbookd/internal/errors"
	"github.com/shiftctl/runbookd/internal/runbook"
)

// DatabricksClient runs SQL through the Databricks statement execution API.
// The connection env var holds the workspace URL with the access token as
// URL userinfo; the warehouse_id env var holds the SQL warehouse id.
type DatabricksClient struct {
	httpClient   *http.Client
	pollInterval time.Duration
	maxPolls     uint64
}

// NewDatabricksClient creates a client. A nil http.Client gets a 60s timeout
// default.
func NewDatabricksClient(httpClient *http.Client) *DatabricksClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &DatabricksClient{
		httpClient:   httpClient,
		pollInterval: 2 * time.Second,
		maxPolls:     120,
	}
}

type databricksStatement struct {
	StatementID string `json:"statement_id"`
	Status      struct {
		State string `json:"state"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"status"`
	Manifest struct {
		Schema struct {
			Columns []struct {
				Name string `json:"name"`
			} `json:"columns"`
		} `json:"schema"`
	} `json:"manifest"`
	Result struct {
		DataArray [][]any `json:"data_array"`
	} `json:"result"`
}

// Query submits the statement and polls until it settles, then materializes
// the data array into a table keyed by the manifest's column names.
func (c *DatabricksClient) Query(ctx context.Context, runbookName string, src *runbook.DataSource) (*Table, error) {
	endpoint, err := resolveEnv(runbookName, "connection", src.Connection)
	if err != nil {
		return nil, err
	}
	warehouseID, err := resolveEnv(runbookName, "warehouse_id", src.WarehouseID)
	if err != nil {
		return nil, err
	}
	base, token, err := splitCredential(endpoint)
	if err != nil {
		return nil, errors.ErrDataSourceFailure(runbookName, err)
	}

	stmt, err := c.submit(ctx, base, token, warehouseID, src.Query)
	if err != nil {
		return nil, errors.ErrDataSourceFailure(runbookName, err)
	}

	// Poll until the statement leaves PENDING/RUNNING. Constant interval:
	// the warehouse does the work, the client just waits its turn.
	poll := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.pollInterval), c.maxPolls), ctx)
	err = backoff.Retry(func() error {
		if stmt.Status.State == "PENDING" || stmt.Status.State == "RUNNING" {
			next, err := c.fetch(ctx, base, token, stmt.StatementID)
			if err != nil {
				return backoff.Permanent(err)
			}
			stmt = next
		}
		if stmt.Status.State == "PENDING" || stmt.Status.State == "RUNNING" {
			return fmt.Errorf("statement %s still %s", stmt.StatementID, stmt.Status.State)
		}
		return nil
	}, poll)
	if err != nil {
		return nil, errors.ErrDataSourceFailure(runbookName, err)
	}

	if stmt.Status.State != "SUCCEEDED" {
		detail := stmt.Status.State
		if stmt.Status.Error != nil {
			detail = fmt.Sprintf("%s: %s", stmt.Status.State, stmt.Status.Error.Message)
		}
		return nil, errors.ErrDataSourceFailure(runbookName,
			fmt.Errorf("statement %s finished %s", stmt.StatementID, detail))
	}

	table := &Table{}
	for _, col := range stmt.Manifest.Schema.Columns {
		table.Columns = append(table.Columns, col.Name)
	}
	for _, raw := range stmt.Result.DataArray {
		row := make(map[string]string, len(table.Columns))
		for i, col := range table.Columns {
			if i < len(raw) {
				row[col] = stringifyCell(raw[i])
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func (c *DatabricksClient) submit(ctx context.Context, base, token, warehouseID, statement string) (*databricksStatement, error) {
	payload, err := json.Marshal(map[string]string{
		"warehouse_id": warehouseID,
		"statement":    statement,
		"wait_timeout": "30s",
	})
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, base+"/api/2.0/sql/statements", token, payload)
}

func (c *DatabricksClient) fetch(ctx context.Context, base, token, statementID string) (*databricksStatement, error) {
	return c.do(ctx, http.MethodGet, base+"/api/2.0/sql/statements/"+statementID, token, nil)
}

func (c *DatabricksClient) do(ctx context.Context, method, url, token string, payload []byte) (*databricksStatement, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("databricks API returned %d: %s", resp.StatusCode, string(detail))
	}

	var stmt databricksStatement
	if err := json.NewDecoder(resp.Body).Decode(&stmt); err != nil {
		return nil, fmt.Errorf("decode statement response: %w", err)
	}
	return &stmt, nil
}
