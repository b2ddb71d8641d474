package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/seriusokhatsky/image-optimization/internal/cache"
	"github.com/seriusokhatsky/image-optimization/internal/config"
)

// defaultQuotaMB is handed out when no source API is configured, so the
// service stays usable in development setups.
const defaultQuotaMB = 1000

// HTTPSource asks the remote license API for a token's entitlement and
// caches answers in Redis so repeated first-touches within the TTL do
// not hammer the API.
type HTTPSource struct {
	apiURL   string
	apiKey   string
	cacheTTL int
	client   *http.Client
	cache    *cache.Cache
	logger   *zap.Logger
}

func NewHTTPSource(cfg *config.QuotaConfig, c *cache.Cache, logger *zap.Logger) *HTTPSource {
	ttl := cfg.CacheTTLSeconds
	if ttl <= 0 {
		ttl = 300
	}
	return &HTTPSource{
		apiURL:   cfg.APIURL,
		apiKey:   cfg.APIKey,
		cacheTTL: ttl,
		client:   &http.Client{Timeout: 10 * time.Second},
		cache:    c,
		logger:   logger,
	}
}

func (s *HTTPSource) Fetch(ctx context.Context, token string) (Entitlement, error) {
	if s.apiURL == "" || s.apiKey == "" {
		return Entitlement{Valid: true, QuotaMB: defaultQuotaMB, SubscriptionType: "default"}, nil
	}

	if cached, err := s.cache.Get(ctx, token); err == nil {
		var ent Entitlement
		if jsonErr := json.Unmarshal([]byte(cached), &ent); jsonErr == nil {
			return ent, nil
		}
	}

	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return Entitlement{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/user-quota", bytes.NewReader(body))
	if err != nil {
		return Entitlement{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Entitlement{}, fmt.Errorf("quota api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("quota api request failed", zap.Int("status", resp.StatusCode))
		return Entitlement{Valid: false}, nil
	}

	var ent Entitlement
	if err := json.NewDecoder(resp.Body).Decode(&ent); err != nil {
		return Entitlement{}, fmt.Errorf("quota api response: %w", err)
	}

	if raw, err := json.Marshal(ent); err == nil {
		if err := s.cache.Store(ctx, token, s.cacheTTL, string(raw)); err != nil {
			s.logger.Warn("quota cache store failed", zap.Error(err))
		}
	}

	return ent, nil
}
