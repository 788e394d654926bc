package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Store is the contract the external reporting service offers: range reads,
// row writes, appends and table provisioning, keyed by table name. No
// transactions and no query language.
type Store interface {
	ListTables(ctx context.Context) ([]string, error)
	CreateTable(ctx context.Context, name string, header []string) error
	ReadRows(ctx context.Context, name string) ([][]string, error)
	WriteRow(ctx context.Context, name string, index int, cells []string) error
	AppendRow(ctx context.Context, name string, cells []string) error
}

// ErrTableExists signals a provisioning collision. Callers treat it as
// success when the table they wanted is the table that exists.
var ErrTableExists = errors.New("table already exists")

var ErrTableNotFound = errors.New("table not found")

// TokenSource supplies the bearer token authorizing store calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPStore talks to the remote table service.
type HTTPStore struct {
	Endpoint    string
	Spreadsheet string
	Tokens      TokenSource
	Client      *http.Client
}

func NewHTTPStore(endpoint, spreadsheet string, tokens TokenSource) *HTTPStore {
	return &HTTPStore{
		Endpoint:    strings.TrimRight(endpoint, "/"),
		Spreadsheet: spreadsheet,
		Tokens:      tokens,
		Client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPStore) ListTables(ctx context.Context) ([]string, error) {
	var out struct {
		Tables []string `json:"tables"`
	}
	if err := s.do(ctx, http.MethodGet, s.tablesURL(), nil, &out); err != nil {
		return nil, err
	}
	return out.Tables, nil
}

func (s *HTTPStore) CreateTable(ctx context.Context, name string, header []string) error {
	body := map[string]any{"name": name, "header": header}
	err := s.do(ctx, http.MethodPost, s.tablesURL(), body, nil)
	var se *statusError
	if errors.As(err, &se) && se.status == http.StatusConflict {
		return ErrTableExists
	}
	return err
}

func (s *HTTPStore) ReadRows(ctx context.Context, name string) ([][]string, error) {
	var out struct {
		Rows [][]string `json:"rows"`
	}
	if err := s.do(ctx, http.MethodGet, s.tableURL(name)+"/rows", nil, &out); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusNotFound {
			return nil, ErrTableNotFound
		}
		return nil, err
	}
	return out.Rows, nil
}

func (s *HTTPStore) WriteRow(ctx context.Context, name string, index int, cells []string) error {
	body := map[string]any{"cells": cells}
	return s.do(ctx, http.MethodPut, fmt.Sprintf("%s/rows/%d", s.tableURL(name), index), body, nil)
}

func (s *HTTPStore) AppendRow(ctx context.Context, name string, cells []string) error {
	body := map[string]any{"cells": cells}
	return s.do(ctx, http.MethodPost, s.tableURL(name)+"/rows", body, nil)
}

func (s *HTTPStore) tablesURL() string {
	return fmt.Sprintf("%s/spreadsheets/%s/tables", s.Endpoint, url.PathEscape(s.Spreadsheet))
}

func (s *HTTPStore) tableURL(name string) string {
	return fmt.Sprintf("%s/%s", s.tablesURL(), url.PathEscape(name))
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("reporting store status %d: %s", e.status, e.body)
}

func (s *HTTPStore) do(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.Tokens != nil {
		token, err := s.Tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("authorize store call: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &statusError{status: res.StatusCode, body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}
