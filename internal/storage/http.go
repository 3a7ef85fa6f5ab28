package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/pkg/manifest"
)

const (
	defaultChunkSize   = 8 << 20
	defaultConcurrency = 4
	defaultRetries     = 3
)

type HTTPOptions struct {
	Client *http.Client
	// ChunkSize is the byte length of each ranged request.
	ChunkSize int64
	// Concurrency bounds the ranged requests in flight per shard.
	Concurrency int
	// RequestsPerSecond limits request rate; zero disables the limit.
	RequestsPerSecond float64
	Retries           int
	Logger            logger.Logger
}

// HTTPStore fetches models from a shard server. Shards are downloaded as
// parallel byte ranges. Content arrives over the network, so the store is
// not trusted and callers verify hashes.
type HTTPStore struct {
	base    string
	opts    HTTPOptions
	client  *http.Client
	limiter *rate.Limiter
	log     logger.Logger

	mu      sync.Mutex
	modelID string
	raw     []byte
	m       *manifest.Manifest
}

// NewHTTPStore returns a store for the server at baseURL.
func NewHTTPStore(baseURL string, opts HTTPOptions) *HTTPStore {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &HTTPStore{
		base:    strings.TrimRight(baseURL, "/"),
		opts:    opts,
		client:  client,
		limiter: rate.NewLimiter(limit, opts.Concurrency),
		log:     logger.OrDiscard(opts.Logger),
	}
}

func (s *HTTPStore) modelURL(id string, parts ...string) string {
	u := s.base + "/v1/models/" + url.PathEscape(id)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func (s *HTTPStore) OpenModel(ctx context.Context, modelID string) error {
	if err := validModelID(modelID); err != nil {
		return err
	}
	raw, err := s.get(ctx, s.modelURL(modelID, "manifest"), "")
	if err != nil {
		return fmt.Errorf("open model %s: %w", modelID, err)
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return fmt.Errorf("open model %s: %w", modelID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelID, s.raw, s.m = modelID, raw, m
	return nil
}

func (s *HTTPStore) current() (string, *manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		return "", nil, ErrNotOpen
	}
	return s.modelID, s.m, nil
}

func (s *HTTPStore) ReadManifest(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		return nil, ErrNotOpen
	}
	return s.raw, nil
}

func (s *HTTPStore) ReadShard(ctx context.Context, index int) ([]byte, error) {
	id, m, err := s.current()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(m.Shards) {
		return nil, fmt.Errorf("storage: shard %d out of range [0,%d)", index, len(m.Shards))
	}
	u := s.modelURL(id, "shards", fmt.Sprint(index))
	size := int64(m.Shards[index].Size)
	if size <= s.opts.ChunkSize {
		return s.get(ctx, u, "")
	}

	buf := make([]byte, size)
	g, inner := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for start := int64(0); start < size; start += s.opts.ChunkSize {
		end := min(start+s.opts.ChunkSize, size)
		g.Go(func() error {
			part, err := s.get(inner, u, fmt.Sprintf("bytes=%d-%d", start, end-1))
			if err != nil {
				return err
			}
			if int64(len(part)) != end-start {
				return fmt.Errorf("shard %d: range %d-%d returned %d bytes", index, start, end-1, len(part))
			}
			copy(buf[start:end], part)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.log.Debug("shard downloaded", "model", id, "shard", index, "bytes", size)
	return buf, nil
}

var errRetryable = errors.New("retryable response")

// get issues a GET with optional Range header and retries transient
// failures with linear backoff.
func (s *HTTPStore) get(ctx context.Context, u, byteRange string) ([]byte, error) {
	var lastErr error
	for attempt := range s.opts.Retries {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		data, err := s.getOnce(ctx, u, byteRange)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !errors.Is(err, errRetryable) {
			return nil, err
		}
		s.log.Warn("retrying request", "url", u, "range", byteRange, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (s *HTTPStore) getOnce(ctx context.Context, u, byteRange string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", errRetryable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s: %s", errRetryable, u, resp.Status)
	default:
		return nil, fmt.Errorf("storage: %s: %s", u, resp.Status)
	}
	if byteRange != "" && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("storage: %s ignored range %s", u, byteRange)
	}
	return io.ReadAll(resp.Body)
}

func (s *HTTPStore) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	id, _, err := s.current()
	if err != nil {
		return IntegrityReport{}, err
	}
	raw, err := s.get(ctx, s.modelURL(id, "verify"), "")
	if err != nil {
		return IntegrityReport{}, err
	}
	var rep IntegrityReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return IntegrityReport{}, fmt.Errorf("storage: decode integrity report: %w", err)
	}
	return rep, nil
}

func (s *HTTPStore) Trusted() bool { return false }

func (s *HTTPStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelID, s.raw, s.m = "", nil, nil
	return nil
}
