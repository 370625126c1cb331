// Package notion adapts the Notion REST API to the adapter contract.
package notion

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bturcanu/OpenConduit/pkg/adapters"
	"github.com/bturcanu/OpenConduit/pkg/credentials"
	"github.com/bturcanu/OpenConduit/pkg/types"
)

const (
	ServiceID      = "notion"
	DefaultBaseURL = "https://api.notion.com/v1"
	apiVersion     = "2022-06-28"
)

// Config configures the adapter.
type Config struct {
	BaseURL       string
	DefaultParent string // page id used when create_page has no parent_id
	HTTPClient    *http.Client
}

type client struct {
	cfg  Config
	http *http.Client
}

// New returns the notion adapter.
func New(cfg Config) *adapters.Static {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	c := &client{cfg: cfg, http: hc}

	return adapters.MustStatic(
		adapters.Action{
			Spec: adapters.ActionSpec{
				Name:        "create_page",
				Description: "Create a page with a title and optional paragraph content.",
				Params: []adapters.ParamSpec{
					{Name: "title", Type: adapters.ParamString, Required: true},
					{Name: "content", Type: adapters.ParamString},
					{Name: "parent_id", Type: adapters.ParamString},
				},
			},
			Handler: c.createPage,
		},
		adapters.Action{
			Spec: adapters.ActionSpec{
				Name:        "get_page",
				Description: "Fetch page metadata.",
				Params: []adapters.ParamSpec{
					{Name: "page_id", Type: adapters.ParamString, Required: true},
				},
			},
			Handler: c.getPage,
		},
		adapters.Action{
			Spec: adapters.ActionSpec{
				Name:        "search",
				Description: "Search pages shared with the integration.",
				Params: []adapters.ParamSpec{
					{Name: "query", Type: adapters.ParamString},
					{Name: "page_size", Type: adapters.ParamNumber},
				},
			},
			Handler: c.search,
		},
	)
}

// Page is the normalized page result.
type Page struct {
	ID             string `json:"id"`
	URL            string `json:"url"`
	Title          string `json:"title,omitempty"`
	CreatedTime    string `json:"created_time,omitempty"`
	LastEditedTime string `json:"last_edited_time,omitempty"`
	Archived       bool   `json:"archived"`
}

type pageResponse struct {
	ID             string `json:"id"`
	URL            string `json:"url"`
	CreatedTime    string `json:"created_time"`
	LastEditedTime string `json:"last_edited_time"`
	Archived       bool   `json:"archived"`
	Properties     map[string]struct {
		Type  string `json:"type"`
		Title []struct {
			PlainText string `json:"plain_text"`
		} `json:"title"`
	} `json:"properties"`
}

func (p pageResponse) normalize() Page {
	out := Page{
		ID:             p.ID,
		URL:            p.URL,
		CreatedTime:    p.CreatedTime,
		LastEditedTime: p.LastEditedTime,
		Archived:       p.Archived,
	}
	for _, prop := range p.Properties {
		if prop.Type != "title" {
			continue
		}
		var b strings.Builder
		for _, t := range prop.Title {
			b.WriteString(t.PlainText)
		}
		out.Title = b.String()
	}
	return out
}

func richText(s string) []map[string]any {
	return []map[string]any{{"type": "text", "text": map[string]any{"content": s}}}
}

func (c *client) createPage(ctx context.Context, params types.Parameters, cred credentials.Credential) (any, error) {
	title, _ := params.String("title")
	content, _ := params.String("content")
	parent, _ := params.String("parent_id")
	if parent == "" {
		parent = c.cfg.DefaultParent
	}
	if parent == "" {
		return nil, adapters.Permanent("parent_id is required when no default parent is configured", nil)
	}

	body := map[string]any{
		"parent": map[string]any{"page_id": parent},
		"properties": map[string]any{
			"title": map[string]any{"title": richText(title)},
		},
	}
	if content != "" {
		body["children"] = []map[string]any{{
			"object":    "block",
			"type":      "paragraph",
			"paragraph": map[string]any{"rich_text": richText(content)},
		}}
	}

	var page pageResponse
	if err := c.do(ctx, http.MethodPost, "/pages", body, cred, &page); err != nil {
		return nil, err
	}
	out := page.normalize()
	if out.Title == "" {
		out.Title = title
	}
	return out, nil
}

func (c *client) getPage(ctx context.Context, params types.Parameters, cred credentials.Credential) (any, error) {
	id, _ := params.String("page_id")
	var page pageResponse
	if err := c.do(ctx, http.MethodGet, "/pages/"+url.PathEscape(id), nil, cred, &page); err != nil {
		return nil, err
	}
	return page.normalize(), nil
}

// SearchResult is the normalized search result.
type SearchResult struct {
	Results    []SearchHit `json:"results"`
	HasMore    bool        `json:"has_more"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type SearchHit struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	URL    string `json:"url"`
}

func (c *client) search(ctx context.Context, params types.Parameters, cred credentials.Credential) (any, error) {
	body := map[string]any{}
	if q, ok := params.String("query"); ok && q != "" {
		body["query"] = q
	}
	if n, ok := pageSize(params["page_size"]); ok {
		body["page_size"] = n
	}
	var res struct {
		Results    []SearchHit `json:"results"`
		HasMore    bool        `json:"has_more"`
		NextCursor *string     `json:"next_cursor"`
	}
	if err := c.do(ctx, http.MethodPost, "/search", body, cred, &res); err != nil {
		return nil, err
	}
	out := SearchResult{Results: res.Results, HasMore: res.HasMore}
	if out.Results == nil {
		out.Results = []SearchHit{}
	}
	if res.NextCursor != nil {
		out.NextCursor = *res.NextCursor
	}
	return out, nil
}

func (c *client) do(ctx context.Context, method, path string, in any, cred credentials.Credential, out any) error {
	req, err := adapters.NewJSONRequest(ctx, method, c.cfg.BaseURL+path, in)
	if err != nil {
		return err
	}
	req.Header.Set("Notion-Version", apiVersion)
	return adapters.DoJSON(c.http, req, cred, out)
}

func pageSize(v any) (int, bool) {
	n, ok := adapters.Number(v)
	if !ok || n < 1 {
		return 0, false
	}
	if n > 100 {
		n = 100
	}
	return int(n), true
}
