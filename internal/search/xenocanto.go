package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"birdsong-orchestrator/internal/protocol"
)

// Config holds configuration for the xeno-canto client.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults. Result pages
// are cached so repeated advances within the same region do not hammer
// the API; the recording actually played still varies because selection
// happens per call, not per fetch.
func DefaultConfig() Config {
	return Config{
		BaseURL:  "https://xeno-canto.org/api/2/recordings",
		Timeout:  15 * time.Second,
		CacheTTL: 10 * time.Minute,
	}
}

// XenoCantoClient queries the xeno-canto recordings API and maps results
// to protocol.Bird values. Selection among results is quality-weighted
// random (WeightedPick), so the listener gets variety while the best
// recordings stay the most likely.
type XenoCantoClient struct {
	config     Config
	httpClient *http.Client
	cache      *cache.Cache
	log        *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// xcResponse is the subset of the API response the client consumes.
type xcResponse struct {
	NumRecordings string        `json:"numRecordings"`
	Recordings    []xcRecording `json:"recordings"`
}

type xcRecording struct {
	Gen     string `json:"gen"`
	Sp      string `json:"sp"`
	En      string `json:"en"`
	File    string `json:"file"`
	Sono    xcSono `json:"sono"`
	Rec     string `json:"rec"`
	Loc     string `json:"loc"`
	Cnt     string `json:"cnt"`
	Date    string `json:"date"`
	Quality string `json:"q"`
}

type xcSono struct {
	Med string `json:"med"`
}

// NewXenoCantoClient returns a client using cfg, filling zero fields
// from DefaultConfig.
func NewXenoCantoClient(cfg Config, log *slog.Logger) *XenoCantoClient {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	return &XenoCantoClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cache.New(cfg.CacheTTL, cfg.CacheTTL*2),
		log:        log,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Search implements Searcher. region filters by country; empty means
// unfiltered. Results are restricted to high-quality bird recordings.
func (c *XenoCantoClient) Search(ctx context.Context, region string) (*protocol.Bird, error) {
	recs, err := c.recordings(ctx, region)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	idx := WeightedPick(len(recs), c.rnd)
	c.mu.Unlock()

	rec := recs[idx]
	if rec.File == "" {
		return nil, nil
	}

	bird := &protocol.Bird{
		CommonName:     rec.En,
		ScientificName: rec.Gen + " " + rec.Sp,
		SpeciesCode:    speciesCode(rec.Gen, rec.Sp),
		AudioURL:       rec.File,
		ImageURL:       absoluteURL(rec.Sono.Med),
		Recordist:      rec.Rec,
		Location:       joinLocation(rec.Loc, rec.Cnt),
		ObservedDate:   rec.Date,
	}
	c.log.Debug("bird selected",
		"common_name", bird.CommonName,
		"rank", idx,
		"results", len(recs),
		"region", region)
	return bird, nil
}

// recordings returns the first result page for region, from cache when
// fresh. Transient request failures get exactly one retry.
func (c *XenoCantoClient) recordings(ctx context.Context, region string) ([]xcRecording, error) {
	cacheKey := "recordings:" + region
	if cached, found := c.cache.Get(cacheKey); found {
		if recs, ok := cached.([]xcRecording); ok {
			return recs, nil
		}
	}

	query := `grp:birds q:A`
	if region != "" {
		query += fmt.Sprintf(` cnt:"%s"`, region)
	}
	reqURL := c.config.BaseURL + "?query=" + url.QueryEscape(query)

	var resp xcResponse
	err := c.get(ctx, reqURL, &resp)
	if err != nil {
		c.log.Warn("recordings request failed, retrying once", "error", err)
		err = c.get(ctx, reqURL, &resp)
	}
	if err != nil {
		return nil, err
	}

	c.cache.Set(cacheKey, resp.Recordings, cache.DefaultExpiration)
	return resp.Recordings, nil
}

// get performs one attempt with its own timeout budget, so a retry
// after a timed-out first attempt is not born already expired.
func (c *XenoCantoClient) get(ctx context.Context, reqURL string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("recordings request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("recordings request: unexpected status %d", res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode recordings response: %w", err)
	}
	return nil
}

// speciesCode derives a compact code from the scientific name, e.g.
// "Troglodytes troglodytes" -> "trotro".
func speciesCode(genus, species string) string {
	return prefix(genus, 3) + prefix(species, 3)
}

func prefix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

func joinLocation(loc, country string) string {
	switch {
	case loc == "":
		return country
	case country == "":
		return loc
	default:
		return loc + ", " + country
	}
}

// absoluteURL fills in the scheme for the protocol-relative URLs the
// API returns for sonogram images.
func absoluteURL(u string) string {
	if len(u) >= 2 && u[:2] == "//" {
		return "https:" + u
	}
	return u
}
