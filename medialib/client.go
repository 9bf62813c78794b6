package medialib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/icholy/digest"
)

var ErrOffline = errors.New("media library is offline")

type Client interface {
	Picker
	List(ctx context.Context, kinds ...Kind) ([]Item, error)
}

type LibraryConfig struct {
	Address  string
	Username string
	ApiKey   string
}

type client struct {
	log    *slog.Logger
	config *LibraryConfig

	httpClient *http.Client

	sync.Mutex
	cachedQuery string
	cachedItems []Item
	cachedTime  time.Time
}

const cacheTTL = 10 * time.Second

func NewClient(log *slog.Logger, config *LibraryConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("config is nil")
	}
	if config.Address == "" {
		return nil, errors.New("config address is empty")
	}
	if log == nil {
		log = slog.Default()
	}

	cli := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &digest.Transport{
			Username: config.Username,
			Password: config.ApiKey,
		},
	}

	return &client{
		log:        log.With("svc", "medialib"),
		config:     config,
		httpClient: cli,
	}, nil
}

// Pick returns the most recent item of the given kinds.
func (c *client) Pick(ctx context.Context, kinds ...Kind) (*Item, error) {
	items, err := c.List(ctx, kinds...)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	item := items[0]
	return &item, nil
}

// List returns library items of the given kinds, newest first.
func (c *client) List(ctx context.Context, kinds ...Kind) ([]Item, error) {
	query := listQuery(kinds)
	if items, ok := c.fromCache(query); ok {
		c.log.Debug("Returning from cache", "query", query)
		return items, nil
	}

	items, err := c.list(ctx, query)
	if err != nil {
		return nil, err
	}

	c.toCache(query, items)
	return items, nil
}

func listQuery(kinds []Kind) string {
	q := url.Values{}
	for _, k := range kinds {
		q.Add("kind", string(k))
	}
	return q.Encode()
}

func (c *client) list(ctx context.Context, query string) ([]Item, error) {
	c.log.Debug("Media list request started", "query", query)

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	u := fmt.Sprintf("http://%s/api/v1/media", strings.TrimPrefix(c.config.Address, "http://"))
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("fail to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &uerr) && uerr.Timeout()) {
			// library offline (or misconfigured)
			return nil, ErrOffline
		}
		return nil, fmt.Errorf("fail to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fail to read resp body: %w", err)
	}

	c.log.Debug("Resp", "code", resp.StatusCode, "body", string(data))

	switch resp.StatusCode {
	case http.StatusOK:
		return parseListResponse(data)
	// empty library
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, fmt.Errorf("response status code %d", resp.StatusCode)
	}
}

func (c *client) toCache(query string, items []Item) {
	c.Mutex.Lock()
	defer c.Mutex.Unlock()

	c.cachedQuery = query
	c.cachedItems = slices.Clone(items)
	c.cachedTime = time.Now()
}

func (c *client) fromCache(query string) ([]Item, bool) {
	c.Mutex.Lock()
	defer c.Mutex.Unlock()

	if c.cachedTime.IsZero() || c.cachedQuery != query || time.Since(c.cachedTime) > cacheTTL {
		return nil, false
	}
	return slices.Clone(c.cachedItems), true
}

type listResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Kind    string `json:"kind"`
		Name    string `json:"name"`
		URL     string `json:"url"`
		Created int64  `json:"created"`
	} `json:"items"`
}

func parseListResponse(body []byte) ([]Item, error) {
	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(resp.Items))
	for _, it := range resp.Items {
		items = append(items, Item{
			ID:        it.ID,
			Kind:      Kind(it.Kind),
			Name:      it.Name,
			Location:  it.URL,
			CreatedAt: time.Unix(it.Created, 0),
		})
	}
	slices.SortStableFunc(items, func(a, b Item) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return items, nil
}
