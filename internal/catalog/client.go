// Package catalog предоставляет клиент для внешнего сервиса каталога.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrProductNotFound возвращается, если товар отсутствует в каталоге.
var ErrProductNotFound = errors.New("product not found in catalog")

// Client инкапсулирует HTTP-взаимодействие с сервисом каталога.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// Product описывает ответ каталога по одному товару. Цены приходят в рублях.
type Product struct {
	ID              int64    `json:"id"`
	Title           string   `json:"title"`
	Thumbnail       string   `json:"thumbnail"`
	SectionNumber   int64    `json:"section_number"`
	Serial          string   `json:"serial"`
	Price           float64  `json:"price"`
	DiscountedPrice *float64 `json:"discounted_price,omitempty"`
	PaymentNumber   string   `json:"payment_number"`
	Variant         string   `json:"variant"`
}

// NewClient создаёт HTTP-клиент каталога по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// Resolve запрашивает актуальные данные товара для снимка в корзине.
func (c *Client) Resolve(ctx context.Context, productID int64) (*Product, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("catalog client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/products/%d", base, productID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNoContent:
		return nil, fmt.Errorf("%w: %d", ErrProductNotFound, productID)
	default:
		return nil, fmt.Errorf("catalog responded %d", resp.StatusCode)
	}

	var p Product
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &p, nil
}
