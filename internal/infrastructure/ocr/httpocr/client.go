package httpocr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/file-bridge/internal/core/domain"
	"github.com/kirillkom/file-bridge/internal/infrastructure/resilience"
)

// Client talks to the OCR service, which also rasterizes PDFs.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	executor   *resilience.Executor
}

type Options struct {
	Timeout            time.Duration
	RateLimit          float64
	ResilienceExecutor *resilience.Executor
}

func New(baseURL string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if options.RateLimit > 0 {
		burst := int(options.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(options.RateLimit), burst)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		executor:   options.ResilienceExecutor,
	}
}

func (c *Client) Recognize(ctx context.Context, image []byte) (domain.OCRResult, error) {
	if len(image) == 0 {
		return domain.OCRResult{}, domain.WrapError(domain.ErrPermanent, "ocr recognize", errors.New("empty image"))
	}

	var response struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	err := c.call(ctx, "ocr.recognize", func(ctx context.Context) error {
		return c.postBinary(ctx, "/v1/ocr", image, &response, "recognize")
	})
	if err != nil {
		return domain.OCRResult{}, err
	}
	return domain.OCRResult{
		Text:       strings.TrimSpace(response.Text),
		Confidence: domain.ClampConfidence(response.Confidence),
	}, nil
}

func (c *Client) Rasterize(ctx context.Context, pdf []byte) ([][]byte, error) {
	if len(pdf) == 0 {
		return nil, domain.WrapError(domain.ErrPermanent, "ocr rasterize", errors.New("empty pdf"))
	}

	// Pages arrive base64 encoded; encoding/json decodes them into []byte.
	var response struct {
		Pages [][]byte `json:"pages"`
	}
	err := c.call(ctx, "ocr.rasterize", func(ctx context.Context) error {
		return c.postBinary(ctx, "/v1/rasterize", pdf, &response, "rasterize")
	})
	if err != nil {
		return nil, err
	}
	return response.Pages, nil
}

func (c *Client) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limit wait: %w", operation, err)
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, operation, fn, classifyOCRError)
	} else {
		err = fn(ctx)
	}
	if err != nil {
		return wrapKindIfNeeded(operation, err)
	}
	return nil
}
