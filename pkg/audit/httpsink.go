package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSink posts each record to a collector as a CloudEvent, signed with
// HMAC-SHA256 when a secret is configured.
type HTTPSink struct {
	url        string
	secret     string
	source     string
	httpClient *http.Client
}

func NewHTTPSink(url, secret, source string) *HTTPSink {
	return &HTTPSink{
		url:        url,
		secret:     secret,
		source:     source,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type cloudEvent struct {
	SpecVersion     string `json:"specversion"`
	ID              string `json:"id"`
	Type            string `json:"type"`
	Source          string `json:"source"`
	Time            string `json:"time"`
	DataContentType string `json:"datacontenttype"`
	Data            Record `json:"data"`
}

const eventType = "conduit.dispatch.audited"

func (s *HTTPSink) Append(ctx context.Context, r Record) error {
	body, err := json.Marshal(cloudEvent{
		SpecVersion:     "1.0",
		ID:              r.ID,
		Type:            eventType,
		Source:          s.source,
		Time:            r.Timestamp.UTC().Format(time.RFC3339Nano),
		DataContentType: "application/json",
		Data:            r,
	})
	if err != nil {
		return fmt.Errorf("audit.http marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/cloudevents+json")
	req.Header.Set("Ce-Specversion", "1.0")
	req.Header.Set("Ce-Type", eventType)
	req.Header.Set("Ce-Id", r.ID)
	req.Header.Set("Ce-Source", s.source)
	if s.secret != "" {
		req.Header.Set("X-Conduit-Signature-256", SignBodyHMACSHA256(body, s.secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("audit collector status=%d", resp.StatusCode)
}

// SignBodyHMACSHA256 returns the signature header value for body.
func SignBodyHMACSHA256(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
