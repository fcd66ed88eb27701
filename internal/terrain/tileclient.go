package terrain

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/logging"
)

// ErrCircuitOpen is returned while the tile server circuit breaker rejects
// requests.
var ErrCircuitOpen = errors.New("terrain: tile server circuit open")

// Tile encodings.
const (
	EncodingTerrarium = "terrarium"
	EncodingMapbox    = "mapbox"
)

// DefaultTileURL is the public AWS Terrarium elevation tile set.
const DefaultTileURL = "https://s3.amazonaws.com/elevation-tiles-prod/terrarium/{z}/{x}/{y}.png"

// TileClientConfig configures the HTTP tile fetcher. Zero values select
// defaults.
type TileClientConfig struct {
	URLTemplate string
	Encoding    string
	UserAgent   string
	Timeout     time.Duration

	RequestsPerSecond float64
	Burst             int
	Concurrency       int
	MaxRetries        int
	RetryBackoff      time.Duration

	// The breaker opens after FailureThreshold consecutive failures and
	// probes again after BreakerTimeout.
	FailureThreshold uint32
	BreakerTimeout   time.Duration
}

func (c *TileClientConfig) applyDefaults() {
	if c.URLTemplate == "" {
		c.URLTemplate = DefaultTileURL
	}
	if c.Encoding == "" {
		c.Encoding = EncodingTerrarium
	}
	if c.UserAgent == "" {
		c.UserAgent = "intervis/1.0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = int(math.Max(1, c.RequestsPerSecond))
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// TileClient fetches and stitches elevation PNG tiles over HTTP.
type TileClient struct {
	cfg     TileClientConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]float32]
	log     logging.Logger
}

// NewTileClient validates cfg and builds a client.
func NewTileClient(cfg TileClientConfig, log logging.Logger) (*TileClient, error) {
	cfg.applyDefaults()
	for _, token := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(cfg.URLTemplate, token) {
			return nil, fmt.Errorf("tile url template %q missing %s", cfg.URLTemplate, token)
		}
	}
	switch cfg.Encoding {
	case EncodingTerrarium, EncodingMapbox:
	default:
		return nil, fmt.Errorf("unknown tile encoding %q", cfg.Encoding)
	}

	log = logging.OrNoop(log)
	c := &TileClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: cfg.Concurrency,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		log:     log,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]float32](gobreaker.Settings{
		Name:        "terrain-tiles",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// Missing tiles and caller cancellation say nothing about server health.
			return err == nil || errors.Is(err, ErrNoCoverage) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn(context.Background(), "tile circuit breaker state change",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()),
			)
		},
	})
	return c, nil
}

// BreakerState reports the circuit breaker state.
func (c *TileClient) BreakerState() gobreaker.State { return c.breaker.State() }

// Fetch stitches the (2r+1)^2 tiles around the tile containing the request
// centre. Tiles the server does not have are filled with no-data.
func (c *TileClient) Fetch(ctx context.Context, req FetchRequest) (*Raster, error) {
	if req.TileRadius < 0 || req.Zoom < 0 {
		return nil, fmt.Errorf("%w: tile radius %d zoom %d", ErrInvalidRaster, req.TileRadius, req.Zoom)
	}
	const ts = DefaultTileSize
	tx, ty := TileOf(req.Center, req.Zoom)
	side := 2*req.TileRadius + 1
	width := side * ts
	data := make([]float32, width*width)
	total := req.TileCount()
	n := 1 << req.Zoom

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for dy := 0; dy < side; dy++ {
		for dx := 0; dx < side; dx++ {
			col, row := dx, dy
			x := tx - req.TileRadius + col
			y := ty - req.TileRadius + row
			g.Go(func() error {
				var tile []float32
				if y >= 0 && y < n {
					var err error
					tile, err = c.tile(gctx, req.Zoom, ((x%n)+n)%n, y)
					if err != nil {
						return err
					}
				}
				blit(data, width, col*ts, row*ts, tile, ts)
				mu.Lock()
				done++
				d := done
				mu.Unlock()
				req.progress(d, total)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return NewRaster(req.Zoom, ts, (tx-req.TileRadius)*ts, (ty-req.TileRadius)*ts, width, width, data)
}

// blit copies a tile into the stitched buffer. A nil tile is written as
// no-data.
func blit(dst []float32, stride, x0, y0 int, tile []float32, ts int) {
	nan := float32(math.NaN())
	for row := 0; row < ts; row++ {
		line := dst[(y0+row)*stride+x0 : (y0+row)*stride+x0+ts]
		if tile == nil {
			for i := range line {
				line[i] = nan
			}
			continue
		}
		copy(line, tile[row*ts:(row+1)*ts])
	}
}

// tile downloads one tile, returning nil for tiles the server does not have.
func (c *TileClient) tile(ctx context.Context, z, x, y int) ([]float32, error) {
	url := c.tileURL(z, x, y)
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
		elev, err := c.breaker.Execute(func() ([]float32, error) {
			return c.download(ctx, url)
		})
		switch {
		case err == nil:
			return elev, nil
		case errors.Is(err, ErrNoCoverage):
			return nil, nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case !retryable(err):
			return nil, err
		}
		lastErr = err
		c.log.Warn(ctx, "tile request failed, retrying",
			logging.String("url", url),
			logging.Int("attempt", attempt+1),
			logging.Err(err),
		)
		if err := c.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("tile %d/%d/%d: all retries exhausted: %w", z, x, y, lastErr)
}

type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string { return fmt.Sprintf("http %d from %s", e.code, e.url) }

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	// Decode errors will not improve on retry.
	return !errors.Is(err, ErrInvalidRaster)
}

func (c *TileClient) backoff(ctx context.Context, attempt int) error {
	d := time.Duration(float64(c.cfg.RetryBackoff) * math.Pow(2, float64(attempt)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *TileClient) download(ctx context.Context, url string) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, fmt.Errorf("%w: %s", ErrNoCoverage, url)
	case resp.StatusCode != http.StatusOK:
		return nil, &statusError{code: resp.StatusCode, url: url}
	}

	img, err := png.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidRaster, url, err)
	}
	return decodeElevation(img, c.cfg.Encoding)
}

func (c *TileClient) tileURL(z, x, y int) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	)
	return r.Replace(c.cfg.URLTemplate)
}

// decodeElevation converts an RGB-encoded elevation tile to metres.
func decodeElevation(img image.Image, encoding string) ([]float32, error) {
	b := img.Bounds()
	if b.Dx() != DefaultTileSize || b.Dy() != DefaultTileSize {
		return nil, fmt.Errorf("%w: tile is %dx%d, want %dx%d", ErrInvalidRaster, b.Dx(), b.Dy(), DefaultTileSize, DefaultTileSize)
	}
	out := make([]float32, DefaultTileSize*DefaultTileSize)
	for y := 0; y < DefaultTileSize; y++ {
		for x := 0; x < DefaultTileSize; x++ {
			r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			if a == 0 {
				out[y*DefaultTileSize+x] = float32(math.NaN())
				continue
			}
			out[y*DefaultTileSize+x] = float32(elevationFromRGB(float64(r>>8), float64(g>>8), float64(bl>>8), encoding))
		}
	}
	return out, nil
}

func elevationFromRGB(r, g, b float64, encoding string) float64 {
	if encoding == EncodingMapbox {
		return -10000 + (r*65536+g*256+b)*0.1
	}
	return r*256 + g + b/256 - 32768
}
