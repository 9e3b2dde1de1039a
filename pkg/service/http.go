package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultHTTPTimeout bounds one health endpoint request
	DefaultHTTPTimeout = 2 * time.Second

	// maxBodyExtra caps the response body stored on a downtime record
	maxBodyExtra = 512
)

// IngressService probes an HTTP health endpoint exposed by a kubernetes
// ingress rule. Healthy means exactly HTTP 200.
type IngressService struct {
	ns       string
	name     string
	url      string
	category string
	headers  map[string]string
	client   *http.Client
}

// NewIngressService creates an HTTP health probe for one ingress path
func NewIngressService(ns, name, url string) *IngressService {
	return &IngressService{
		ns:       ns,
		name:     name,
		url:      url,
		category: "ns",
		headers:  make(map[string]string),
		client: &http.Client{
			Timeout: DefaultHTTPTimeout,
		},
	}
}

// WithHeader adds a request header (e.g. a gateway API key)
func (s *IngressService) WithHeader(key, value string) *IngressService {
	s.headers[key] = value
	return s
}

// WithCategory overrides the category label stored with the service
func (s *IngressService) WithCategory(category string) *IngressService {
	s.category = category
	return s
}

// WithTimeout sets the HTTP client timeout
func (s *IngressService) WithTimeout(timeout time.Duration) *IngressService {
	s.client.Timeout = timeout
	return s
}

// Name returns the ingress object name the probe was built from
func (s *IngressService) Name() string { return s.name }

// URL returns the probed health endpoint
func (s *IngressService) URL() string { return s.url }

// Header returns the value of a configured request header
func (s *IngressService) Header(key string) string { return s.headers[key] }

func (s *IngressService) Kind() Kind          { return KindIngress }
func (s *IngressService) Category() string    { return s.category }
func (s *IngressService) NS() string          { return s.ns }
func (s *IngressService) Description() string { return s.url }

func (s *IngressService) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", KindIngress, s.ns, s.name, s.url)
}

func (s *IngressService) String() string {
	return fmt.Sprintf("ns=%s, name=%s, url=%s", s.ns, s.name, s.url)
}

// Check performs one GET against the health endpoint
func (s *IngressService) Check(ctx context.Context) (Status, Extra) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return StatusFail, Extra{"exception": err.Error()}
	}
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return StatusFail, Extra{"exception": err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return StatusOK, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExtra))
	return StatusFail, Extra{
		"status_code": strconv.Itoa(resp.StatusCode),
		"body":        strings.TrimSpace(string(body)),
	}
}
