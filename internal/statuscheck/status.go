// Package statuscheck aggregates readiness checks for the pipeline's
// external dependencies, surfaced through the process healthz endpoint.
package statuscheck

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// RedisPinger models the minimal Redis capability we need for status checks.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// Checker aggregates health checks for the services the pipeline depends on.
type Checker struct {
	redis          RedisPinger
	s3Bucket       string
	httpClient     *http.Client
	conversionURL  string
	visionAPIKey   string
	kbURL          string
}

// Options configures the Checker.
type Options struct {
	Redis         RedisPinger
	S3Bucket      string
	HTTPClient    *http.Client
	ConversionURL string
	VisionAPIKey  string
	KBURL         string
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles every subsystem's status for the healthz endpoint.
type Summary struct {
	Redis      Status `json:"redis"`
	Storage    Status `json:"storage"`
	Conversion Status `json:"conversion"`
	Vision     Status `json:"vision"`
	KB         Status `json:"kb"`
}

// New creates a Checker with the given options.
func New(opts Options) *Checker {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Checker{
		redis:         opts.Redis,
		s3Bucket:      opts.S3Bucket,
		httpClient:    client,
		conversionURL: strings.TrimSpace(opts.ConversionURL),
		visionAPIKey:  strings.TrimSpace(opts.VisionAPIKey),
		kbURL:         strings.TrimSpace(opts.KBURL),
	}
}

// Summary returns the current status snapshot across every dependency.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Redis:      c.checkRedis(ctx),
		Storage:    c.checkStorage(ctx),
		Conversion: c.checkReachable(ctx, c.conversionURL),
		Vision:     c.checkVision(),
		KB:         c.checkReachable(ctx, c.kbURL),
	}
}

func (c *Checker) checkRedis(ctx context.Context) Status {
	if c.redis == nil {
		return Status{OK: false, Message: "client unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "connected"}
}

func (c *Checker) checkStorage(ctx context.Context) Status {
	if c.s3Bucket == "" {
		return Status{OK: true, Message: "local filesystem backend"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	cli := s3.NewFromConfig(cfg)
	if _, err := cli.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &c.s3Bucket}); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "bucket reachable"}
}

// checkReachable probes an internal HTTP collaborator (conversion service,
// RAG API) with a cheap GET against its base URL; any response, even an
// error status, counts as "the service is up".
func (c *Checker) checkReachable(ctx context.Context, baseURL string) Status {
	if baseURL == "" {
		return Status{OK: false, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	defer resp.Body.Close()
	return Status{OK: true, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
}

func (c *Checker) checkVision() Status {
	if c.visionAPIKey == "" {
		return Status{OK: false, Message: "API key missing"}
	}
	return Status{OK: true, Message: "configured"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
