package fetch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/seattle-distress/internal/config"
)

// SODAClient pages through a SODA dataset with rate limiting. An optional
// app token is attached as X-App-Token for higher rate limits.
type SODAClient struct {
	base     string
	appToken string
	http     *http.Client
	pageSize int
	delay    time.Duration
	log      *zap.Logger
}

// NewSODAClient builds a client for the given SODA base URL.
func NewSODAClient(base, appToken string, log *zap.Logger) *SODAClient {
	return &SODAClient{
		base:     base,
		appToken: appToken,
		http:     &http.Client{Timeout: 30 * time.Second},
		pageSize: config.SODAPageSize,
		delay:    config.SODADelay,
		log:      log,
	}
}

// Get issues a single request against a dataset with explicit parameters.
func (c *SODAClient) Get(datasetID string, params url.Values) ([]Record, error) {
	endpoint := fmt.Sprintf("%s/%s.json?%s", c.base, datasetID, params.Encode())

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build SODA request: %w", err)
	}
	if c.appToken != "" {
		req.Header.Set("X-App-Token", c.appToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("SODA request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("SODA request for %s returned %s", datasetID, resp.Status)
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode SODA response: %w", err)
	}
	return records, nil
}

// Pages streams pages of a filtered dataset to emit, sleeping between
// requests and stopping at the first short page.
func (c *SODAClient) Pages(datasetID, where string, emit func([]Record) error) error {
	offset := 0
	for {
		params := url.Values{
			"$where":  {where},
			"$limit":  {strconv.Itoa(c.pageSize)},
			"$offset": {strconv.Itoa(offset)},
			"$order":  {":id"},
		}
		records, err := c.Get(datasetID, params)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		if err := emit(records); err != nil {
			return err
		}
		offset += len(records)

		if len(records) < c.pageSize {
			return nil
		}
		time.Sleep(c.delay)
	}
}
