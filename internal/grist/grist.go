// Package grist reads table records from a Grist document API.
package grist

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"ecospheres/internal/datagouv"
)

// Record is one row of a Grist table.
type Record struct {
	ID     int64          `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Text returns a string field, or "" when it is missing or not a string.
func (r Record) Text(field string) string {
	s, _ := r.Fields[field].(string)
	return s
}

// Refs returns the row ids held by a reference list field. Grist encodes
// them as ["L", 1, 2]; non integer entries are ignored.
func (r Record) Refs(field string) []int64 {
	list, _ := r.Fields[field].([]any)
	var out []int64
	for _, v := range list {
		if f, ok := v.(float64); ok && f == math.Trunc(f) {
			out = append(out, int64(f))
		}
	}
	return out
}

// Client reads a Grist document anonymously. It shares the JSON transport
// of the platform client.
type Client struct {
	api *datagouv.Client
}

// New returns a client for a document API URL such as
// https://grist.numerique.gouv.fr/o/<org>/api/docs/<doc>.
func New(docURL string, logger *zap.Logger) *Client {
	return &Client{api: datagouv.New(docURL, datagouv.WithLogger(logger))}
}

// Records lists every record of table.
func (c *Client) Records(ctx context.Context, table int) ([]Record, error) {
	var page struct {
		Records []Record `json:"records"`
	}
	if err := c.api.Get(ctx, fmt.Sprintf("tables/%d/records", table), nil, &page); err != nil {
		return nil, fmt.Errorf("grist table %d: %w", table, err)
	}
	return page.Records, nil
}
