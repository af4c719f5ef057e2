package utils

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Location strings returned instead of a place when no lookup result is available.
const (
	LocationUnknown      = "未知位置"
	LocationLocal        = "本地网络"
	LocationLookupFailed = "查询失败"
	LocationNetworkError = "网络异常"
	LocationLookupError  = "查询异常"
)

type ipAPIResp struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"`
	City       string `json:"city"`
	ISP        string `json:"isp"`
}

// simple in-memory TTL cache
type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// IPLocator resolves visitor IPs to a "country-region-city-isp" string through an
// ip-api compatible endpoint.
type IPLocator struct {
	endpoint string
	lang     string
	client   *http.Client
	ttl      time.Duration
	logger   *zap.Logger
	rc       redis.UniversalClient

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewIPLocator(endpoint, lang string, timeout, ttl time.Duration, logger *zap.Logger) *IPLocator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return &IPLocator{
		endpoint: endpoint,
		lang:     lang,
		client:   &http.Client{Timeout: timeout},
		ttl:      ttl,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
	}
}

// WithRedis adds a shared second cache tier so lookups survive restarts and are shared
// between instances.
func (l *IPLocator) WithRedis(rc redis.UniversalClient) *IPLocator {
	l.rc = rc
	return l
}

// Locate never fails; problems are reported through the Location* strings.
func (l *IPLocator) Locate(ctx context.Context, ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return LocationUnknown
	}
	if IsLocalIP(ip) {
		return LocationLocal
	}
	if v, ok := l.cacheGet(ip); ok {
		return v
	}
	if v, ok := l.redisGet(ctx, ip); ok {
		l.cacheSet(ip, v)
		return v
	}

	u := l.endpoint + url.PathEscape(ip)
	if l.lang != "" {
		u += "?lang=" + url.QueryEscape(l.lang)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		l.logger.Warn("build ip lookup request", zap.String("ip", ip), zap.Error(err))
		return LocationLookupError
	}
	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Warn("ip lookup request failed", zap.String("ip", ip), zap.Error(err))
		return LocationNetworkError
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		l.logger.Warn("ip lookup non-200", zap.String("ip", ip), zap.Int("status", resp.StatusCode))
		return LocationLookupFailed
	}

	var body ipAPIResp
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		l.logger.Warn("decode ip lookup response", zap.String("ip", ip), zap.Error(err))
		return LocationLookupError
	}
	if body.Status != "success" {
		if body.Message == "" {
			return LocationLookupFailed
		}
		return LocationLookupFailed + ": " + body.Message
	}

	parts := make([]string, 0, 4)
	for _, p := range []string{body.Country, body.RegionName, body.City, body.ISP} {
		if p = strings.TrimSpace(p); p != "" && p != "null" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return LocationUnknown
	}
	loc := strings.Join(parts, "-")
	l.cacheSet(ip, loc)
	l.redisSet(ctx, ip, loc)
	return loc
}

// IsLocalIP reports loopback, private and unspecified addresses.
func IsLocalIP(ipStr string) bool {
	if ipStr == "localhost" {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified()
}

func (l *IPLocator) cacheGet(ip string) (string, bool) {
	l.mu.RLock()
	e, ok := l.cache[ip]
	l.mu.RUnlock()
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		l.mu.Lock()
		delete(l.cache, ip)
		l.mu.Unlock()
		return "", false
	}
	return e.value, true
}

func (l *IPLocator) cacheSet(ip, loc string) {
	if l.ttl <= 0 {
		return
	}
	l.mu.Lock()
	l.cache[ip] = cacheEntry{value: loc, expiresAt: time.Now().Add(l.ttl)}
	l.mu.Unlock()
}

func ipLocationKey(ip string) string { return "iploc:" + ip }

func (l *IPLocator) redisGet(ctx context.Context, ip string) (string, bool) {
	if l.rc == nil {
		return "", false
	}
	ctx2, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	val, err := l.rc.Get(ctx2, ipLocationKey(ip)).Result()
	if err != nil || val == "" {
		return "", false
	}
	return val, true
}

func (l *IPLocator) redisSet(ctx context.Context, ip, loc string) {
	if l.rc == nil || l.ttl <= 0 {
		return
	}
	ctx2, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if err := l.rc.Set(ctx2, ipLocationKey(ip), loc, l.ttl).Err(); err != nil {
		l.logger.Debug("cache ip location", zap.String("ip", ip), zap.Error(err))
	}
}
