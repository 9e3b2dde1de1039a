package service

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
)

// SearchService probes a search cluster through its readiness endpoint
type SearchService struct {
	name   string
	host   string
	scheme string
	apiKey string
}

// NewSearchService creates a probe for one search cluster
func NewSearchService(name, host, scheme string) *SearchService {
	if scheme == "" {
		scheme = "https"
	}
	return &SearchService{
		name:   name,
		host:   host,
		scheme: scheme,
	}
}

// WithAPIKey sets API-key authentication for the readiness call
func (s *SearchService) WithAPIKey(key string) *SearchService {
	s.apiKey = key
	return s
}

func (s *SearchService) Kind() Kind          { return KindSearch }
func (s *SearchService) Category() string    { return CategoryInfra }
func (s *SearchService) NS() string          { return "" }
func (s *SearchService) Description() string { return s.name }

func (s *SearchService) Key() string {
	return fmt.Sprintf("%s|%s|%s://%s|auth=%t", KindSearch, s.name, s.scheme, s.host, s.apiKey != "")
}

func (s *SearchService) String() string {
	return fmt.Sprintf("search name=%s, host=%s", s.name, s.host)
}

// Check asks the cluster whether it is ready to serve
func (s *SearchService) Check(ctx context.Context) (Status, Extra) {
	cfg := weaviate.Config{
		Host:   s.host,
		Scheme: s.scheme,
	}
	if s.apiKey != "" {
		cfg.AuthConfig = auth.ApiKey{Value: s.apiKey}
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return StatusFail, Extra{"exception": err.Error()}
	}

	ready, err := client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return StatusFail, Extra{"exception": err.Error()}
	}
	if !ready {
		return StatusFail, Extra{"ready": "false"}
	}
	return StatusOK, nil
}
