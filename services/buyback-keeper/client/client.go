package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	jwt "github.com/golang-jwt/jwt/v5"
)

// APIError is a non-2xx answer from buybackd.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("buybackd: %d %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Config configures a daemon client.
type Config struct {
	BaseURL  string
	Identity common.Address
	Secret   string
	Issuer   string
	Audience string
	Timeout  time.Duration
}

// Pending mirrors the daemon's pending order view.
type Pending struct {
	Round    uint64 `json:"round"`
	Amount   string `json:"amount"`
	PostedAt int64  `json:"postedAt"`
}

// Entry is one scheduled tranche.
type Entry struct {
	Round  uint64 `json:"round"`
	Amount string `json:"amount"`
}

// Buyback mirrors the daemon's buyback view.
type Buyback struct {
	Owner             string   `json:"owner"`
	AllowExternalPoke bool     `json:"allowExternalPoke"`
	Tip               string   `json:"tip"`
	IntervalSeconds   uint64   `json:"intervalSeconds"`
	LastPostedAt      int64    `json:"lastPostedAt"`
	Schedule          []Entry  `json:"schedule"`
	Pending           *Pending `json:"pending,omitempty"`
}

// Client calls buybackd on behalf of the keeper identity.
type Client struct {
	http *resty.Client
	cfg  Config
	now  func() time.Time
}

// New constructs a client. Requests carry a short-lived HS256 token whose
// subject is the keeper identity.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("client secret required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "buyback-keeper")
	return &Client{http: httpClient, cfg: cfg, now: time.Now}, nil
}

func (c *Client) token() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   c.cfg.Identity.Hex(),
		Issuer:    c.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	if c.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{c.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.Secret))
}

func (c *Client) request(ctx context.Context, out interface{}) (*resty.Request, error) {
	token, err := c.token()
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	req := c.http.R().SetContext(ctx).SetAuthToken(token)
	if out != nil {
		req.SetResult(out)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := c.request(ctx, out)
	if err != nil {
		return err
	}
	var failure struct {
		Error string `json:"error"`
	}
	req.SetError(&failure)
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		message := failure.Error
		if message == "" {
			message = http.StatusText(resp.StatusCode())
		}
		return &APIError{Status: resp.StatusCode(), Message: message}
	}
	return nil
}

// ListOwners returns every owner with a buyback.
func (c *Client) ListOwners(ctx context.Context) ([]common.Address, error) {
	var body struct {
		Owners []string `json:"owners"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/buybacks", &body); err != nil {
		return nil, err
	}
	out := make([]common.Address, 0, len(body.Owners))
	for _, owner := range body.Owners {
		if common.IsHexAddress(owner) {
			out = append(out, common.HexToAddress(owner))
		}
	}
	return out, nil
}

// GetBuyBack fetches the owner's configuration.
func (c *Client) GetBuyBack(ctx context.Context, owner common.Address) (*Buyback, error) {
	var b Buyback
	if err := c.do(ctx, http.MethodGet, "/v1/buybacks/"+owner.Hex(), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Post asks the daemon to post the owner's next sell order.
func (c *Client) Post(ctx context.Context, owner common.Address) error {
	return c.do(ctx, http.MethodPost, "/v1/buybacks/"+owner.Hex()+"/post", nil)
}

// Claim asks the daemon to settle the owner's pending order.
func (c *Client) Claim(ctx context.Context, owner common.Address) error {
	return c.do(ctx, http.MethodPost, "/v1/buybacks/"+owner.Hex()+"/claim", nil)
}
