// Package pharmgkb is a client for the PharmGKB pharmacogenomics REST API.
package pharmgkb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
)

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns the public API endpoint with a 10 second timeout
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://api.pharmgkb.org/v1/data",
		Timeout: 10 * time.Second,
	}
}

// Conflict is a medication whose response is affected by a variant
type Conflict struct {
	MedicationName string        `json:"medication_name"`
	Risk           conflict.Risk `json:"risk_level"`
	Score          float64       `json:"score"`
	Sentence       string        `json:"sentence"`
	URL            string        `json:"pgkb_url,omitempty"`
}

// StatusError is returned for non-200 responses
type StatusError struct {
	Code int
	Path string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pharmgkb %s: status %d", e.Path, e.Code)
}

// Client calls PharmGKB through a circuit breaker
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates a client. breaker may be nil.
func NewClient(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("pharmgkb"),
	}
}

type chemical struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type annotation struct {
	Score            score      `json:"score"`
	Sentence         string     `json:"sentence"`
	RelatedChemicals []chemical `json:"relatedChemicals"`
}

type envelope[T any] struct {
	Data []T `json:"data"`
}

// score accepts both numeric and quoted scores
type score float64

func (s *score) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("score %q: %w", b, err)
	}
	*s = score(f)
	return nil
}

// VariantConflicts returns one conflict per related chemical of every
// annotation of the variant
func (c *Client) VariantConflicts(ctx context.Context, rsid string) ([]Conflict, error) {
	q := url.Values{}
	q.Set("location.fingerprint", rsid)
	q.Set("view", "full")

	var env envelope[annotation]
	if err := c.get(ctx, "variantAnnotation", q, &env); err != nil {
		return nil, err
	}

	var out []Conflict
	for _, a := range env.Data {
		sc := float64(a.Score)
		if sc < 0 {
			continue
		}
		risk := conflict.RiskFromScore(sc)
		for _, chem := range a.RelatedChemicals {
			name := chem.Name
			if name == "" {
				name = "Unknown"
			}
			out = append(out, Conflict{
				MedicationName: name,
				Risk:           risk,
				Score:          sc,
				Sentence:       a.Sentence,
				URL:            chem.URL,
			})
		}
	}
	return out, nil
}

// GeneDrugs returns the distinct drug names with a label mentioning gene
func (c *Client) GeneDrugs(ctx context.Context, gene string) ([]string, error) {
	q := url.Values{}
	q.Set("relatedGenes.symbol", gene)

	var env envelope[struct {
		RelatedChemicals []chemical `json:"relatedChemicals"`
	}]
	if err := c.get(ctx, "label", q, &env); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, item := range env.Data {
		for _, chem := range item.RelatedChemicals {
			if chem.Name != "" {
				seen[chem.Name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	ctx, span := c.tracer.Start(ctx, "pharmgkb."+path,
		trace.WithAttributes(attribute.String("pharmgkb.query", q.Encode())))
	defer span.End()

	start := time.Now()
	call := func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.fetch(ctx, path, q, out)
	}

	var err error
	if c.breaker != nil {
		_, err = circuitbreaker.Do(ctx, c.breaker, call)
	} else {
		_, err = call(ctx)
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.RecordPharmGKBCall(path, outcome, time.Since(start))
	return err
}

func (c *Client) fetch(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := c.cfg.BaseURL + "/" + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pharmgkb %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Code: resp.StatusCode, Path: path}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
