package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"settlement-service/internal/util"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// StatusSuccess is the provider's transaction status for a settled charge.
const StatusSuccess = "success"

// Config carries the provider connection settings
type Config struct {
	BaseURL       string
	SecretKey     string
	VerifyTimeout time.Duration
	RefundTimeout time.Duration
}

// Client talks to the payment provider's REST API. All calls run through one
// circuit breaker so a struggling provider sheds load instead of stacking
// timeouts.
type Client struct {
	http          *resty.Client
	breaker       *gobreaker.CircuitBreaker[*resty.Response]
	verifyTimeout time.Duration
	refundTimeout time.Duration
	logger        *zap.Logger
}

// NewClient creates a payment provider client
func NewClient(cfg Config) *Client {
	logger := util.GetLogger()

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.SecretKey).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:    "payment-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Provider circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		http:          httpClient,
		breaker:       breaker,
		verifyTimeout: cfg.VerifyTimeout,
		refundTimeout: cfg.RefundTimeout,
		logger:        logger,
	}
}

// VerifyData is the provider's view of a transaction
type VerifyData struct {
	Reference string       `json:"reference"`
	Status    string       `json:"status"`
	Amount    int64        `json:"amount"`
	PaidAt    string       `json:"paid_at"`
	Channel   string       `json:"channel"`
	Customer  CustomerData `json:"customer"`
}

// CustomerData identifies the paying customer
type CustomerData struct {
	Email string `json:"email"`
}

type verifyResponse struct {
	Status  bool       `json:"status"`
	Message string     `json:"message"`
	Data    VerifyData `json:"data"`
}

type refundResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// VerifyTransaction fetches the provider's settlement record for a reference.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*VerifyData, error) {
	ctx, cancel := context.WithTimeout(ctx, c.verifyTimeout)
	defer cancel()

	var out verifyResponse
	_, err := c.breaker.Execute(func() (*resty.Response, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/transaction/verify/" + url.PathEscape(reference))
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return resp, fmt.Errorf("provider returned status %d", resp.StatusCode())
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, fmt.Errorf("provider circuit open: %w", err)
		}
		return nil, fmt.Errorf("provider verify failed for %s: %w", reference, err)
	}
	if !out.Status {
		return nil, fmt.Errorf("provider verify rejected for %s: %s", reference, out.Message)
	}

	return &out.Data, nil
}

// CreateRefund asks the provider to refund the full charge for a reference.
// The deadline is strict: a slow or unreachable provider reads as failure,
// never as implicit success.
func (c *Client) CreateRefund(ctx context.Context, reference string) error {
	ctx, cancel := context.WithTimeout(ctx, c.refundTimeout)
	defer cancel()

	c.logger.Info("Requesting refund from provider", zap.String("reference", reference))

	var out refundResponse
	_, err := c.breaker.Execute(func() (*resty.Response, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(map[string]string{"transaction": reference}).
			SetResult(&out).
			Post("/refund")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return resp, fmt.Errorf("provider returned status %d", resp.StatusCode())
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return fmt.Errorf("provider circuit open: %w", err)
		}
		return fmt.Errorf("provider refund failed for %s: %w", reference, err)
	}
	if !out.Status {
		return fmt.Errorf("provider refund rejected for %s: %s", reference, out.Message)
	}

	return nil
}
