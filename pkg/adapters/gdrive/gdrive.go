// Package gdrive adapts the Google Drive v3 REST API to the adapter contract.
package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bturcanu/OpenConduit/pkg/adapters"
	"github.com/bturcanu/OpenConduit/pkg/credentials"
	"github.com/bturcanu/OpenConduit/pkg/types"
)

const (
	ServiceID        = "google_drive"
	DefaultBaseURL   = "https://www.googleapis.com/drive/v3"
	DefaultUploadURL = "https://www.googleapis.com/upload/drive/v3"

	fileFields       = "id,name,mimeType,size,modifiedTime,webViewLink,parents"
	maxUploadBytes   = 5 << 20
	defaultMIMEType  = "text/plain"
	defaultPageSize  = 25
	maxListPageSize  = 100
	listFieldsPrefix = "nextPageToken,files("
)

type Config struct {
	BaseURL    string
	UploadURL  string
	HTTPClient *http.Client
}

type client struct {
	base   string
	upload string
	http   *http.Client
}

// New returns the google drive adapter.
func New(cfg Config) *adapters.Static {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = DefaultUploadURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	c := &client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		upload: strings.TrimRight(cfg.UploadURL, "/"),
		http:   hc,
	}

	return adapters.MustStatic(
		adapters.Action{
			Spec: adapters.ActionSpec{
				Name:        "list_files",
				Description: "List files, optionally filtered by a Drive query.",
				Params: []adapters.ParamSpec{
					{Name: "query", Type: adapters.ParamString},
					{Name: "page_size", Type: adapters.ParamNumber},
					{Name: "page_token", Type: adapters.ParamString},
				},
			},
			Handler: c.listFiles,
		},
		adapters.Action{
			Spec: adapters.ActionSpec{
				Name:        "get_file",
				Description: "Fetch file metadata.",
				Params: []adapters.ParamSpec{
					{Name: "file_id", Type: adapters.ParamString, Required: true},
				},
			},
			Handler: c.getFile,
		},
		adapters.Action{
			Spec: adapters.ActionSpec{
				Name:        "upload_file",
				Description: "Upload a small text file.",
				Params: []adapters.ParamSpec{
					{Name: "name", Type: adapters.ParamString, Required: true},
					{Name: "content", Type: adapters.ParamString, Required: true},
					{Name: "mime_type", Type: adapters.ParamString},
					{Name: "parent_id", Type: adapters.ParamString},
				},
			},
			Handler: c.uploadFile,
		},
	)
}

// File is the normalized file metadata.
type File struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MIMEType     string   `json:"mimeType"`
	Size         string   `json:"size,omitempty"`
	ModifiedTime string   `json:"modifiedTime,omitempty"`
	WebViewLink  string   `json:"webViewLink,omitempty"`
	Parents      []string `json:"parents,omitempty"`
}

type FileList struct {
	Files         []File `json:"files"`
	NextPageToken string `json:"next_page_token,omitempty"`
}

func (c *client) listFiles(ctx context.Context, params types.Parameters, cred credentials.Credential) (any, error) {
	q := url.Values{}
	q.Set("fields", listFieldsPrefix+fileFields+")")
	size := defaultPageSize
	if n, ok := adapters.Number(params["page_size"]); ok && n >= 1 {
		size = min(int(n), maxListPageSize)
	}
	q.Set("pageSize", strconv.Itoa(size))
	if v, ok := params.String("query"); ok && v != "" {
		q.Set("q", v)
	}
	if v, ok := params.String("page_token"); ok && v != "" {
		q.Set("pageToken", v)
	}

	req, err := adapters.NewJSONRequest(ctx, http.MethodGet, c.base+"/files?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Files         []File `json:"files"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := adapters.DoJSON(c.http, req, cred, &res); err != nil {
		return nil, err
	}
	if res.Files == nil {
		res.Files = []File{}
	}
	return FileList{Files: res.Files, NextPageToken: res.NextPageToken}, nil
}

func (c *client) getFile(ctx context.Context, params types.Parameters, cred credentials.Credential) (any, error) {
	id, _ := params.String("file_id")
	u := c.base + "/files/" + url.PathEscape(id) + "?fields=" + url.QueryEscape(fileFields)
	req, err := adapters.NewJSONRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var f File
	if err := adapters.DoJSON(c.http, req, cred, &f); err != nil {
		return nil, err
	}
	return f, nil
}

func (c *client) uploadFile(ctx context.Context, params types.Parameters, cred credentials.Credential) (any, error) {
	name, _ := params.String("name")
	content, _ := params.String("content")
	if len(content) > maxUploadBytes {
		return nil, adapters.Permanent("content exceeds upload limit", nil)
	}
	mimeType, _ := params.String("mime_type")
	if mimeType == "" {
		mimeType = defaultMIMEType
	}
	meta := map[string]any{"name": name, "mimeType": mimeType}
	if parent, ok := params.String("parent_id"); ok && parent != "" {
		meta["parents"] = []string{parent}
	}

	body, contentType, err := multipartRelated(meta, mimeType, []byte(content))
	if err != nil {
		return nil, adapters.Permanent("build upload body", err)
	}

	u := c.upload + "/files?uploadType=multipart&fields=" + url.QueryEscape(fileFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, adapters.Permanent("new request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	var f File
	if err := adapters.DoJSON(c.http, req, cred, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// multipartRelated encodes Drive's metadata+media upload body.
func multipartRelated(meta map[string]any, mimeType string, media []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, "", err
	}
	mh := textproto.MIMEHeader{}
	mh.Set("Content-Type", "application/json; charset=UTF-8")
	part, err := w.CreatePart(mh)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(metaJSON); err != nil {
		return nil, "", err
	}

	dh := textproto.MIMEHeader{}
	dh.Set("Content-Type", mimeType)
	part, err = w.CreatePart(dh)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(media); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "multipart/related; boundary=" + w.Boundary(), nil
}
