package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/breez/association-sync/supaglue"
	"github.com/cenkalti/backoff/v4"
)

const (
	ContactsPath       = "/crm/v3/objects/contacts"
	DefaultPageSize    = 100
	companyAssociation = "company"
)

type Passthrough interface {
	Passthrough(ctx context.Context, req supaglue.PassthroughRequest) (*supaglue.PassthroughResponse, error)
}

type ReaderConfig struct {
	CustomerID   string
	ProviderName string
	PageSize     int
	// MaxRetries is the number of extra attempts on transport errors.
	MaxRetries int
}

type contactsBody struct {
	Results *[]Contact `json:"results"`
	Paging  *struct {
		Next *struct {
			After string `json:"after"`
			Link  string `json:"link"`
		} `json:"next"`
	} `json:"paging"`
}

// ContactReader lists CRM contacts with their company associations expanded
// inline. It keeps no state between calls.
type ContactReader struct {
	client     Passthrough
	config     ReaderConfig
	newBackOff func() backoff.BackOff
}

func NewContactReader(client Passthrough, config ReaderConfig) *ContactReader {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	return &ContactReader{
		client: client,
		config: config,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

func (r *ContactReader) request(cursor Cursor) supaglue.PassthroughRequest {
	query := map[string]string{
		"limit":        strconv.Itoa(r.config.PageSize),
		"associations": companyAssociation,
	}
	if !cursor.IsZero() {
		query["after"] = string(cursor)
	}
	return supaglue.PassthroughRequest{
		Path:         ContactsPath,
		Method:       http.MethodGet,
		Query:        query,
		CustomerID:   r.config.CustomerID,
		ProviderName: r.config.ProviderName,
	}
}

// FetchPage returns the page starting at cursor. Transport failures are
// retried up to MaxRetries times; decode failures are not.
func (r *ContactReader) FetchPage(ctx context.Context, cursor Cursor) (*ContactPage, error) {
	if r.config.MaxRetries == 0 {
		return r.fetchPage(ctx, cursor)
	}

	var page *ContactPage
	operation := func() error {
		p, err := r.fetchPage(ctx, cursor)
		if err != nil {
			var transportErr *supaglue.TransportError
			if !errors.As(err, &transportErr) {
				return backoff.Permanent(err)
			}
			return err
		}
		page = p
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.config.MaxRetries)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, err
	}
	return page, nil
}

func (r *ContactReader) fetchPage(ctx context.Context, cursor Cursor) (*ContactPage, error) {
	req := r.request(cursor)
	resp, err := r.client.Passthrough(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeContactsBody(req.Path, resp.Body)
}

func decodeContactsBody(path string, raw json.RawMessage) (*ContactPage, error) {
	var body contactsBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &supaglue.DecodeError{Path: path, Err: err}
	}
	if body.Results == nil {
		return nil, &supaglue.DecodeError{Path: path, Err: errors.New("missing results")}
	}
	for i, c := range *body.Results {
		if err := c.Validate(); err != nil {
			return nil, &supaglue.DecodeError{Path: path, Err: fmt.Errorf("contact at index %d: %w", i, err)}
		}
	}

	page := &ContactPage{Contacts: *body.Results}
	if body.Paging != nil && body.Paging.Next != nil {
		page.NextCursor = Cursor(body.Paging.Next.After)
	}
	return page, nil
}
