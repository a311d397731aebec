package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// HTTPConfig configures an HTTPClient. Threads bounds the width of the
// parallel-fetch worker pool used by GetMultiple/DeleteMultiple (the
// engine's one fan-out point, §5 and §9 "Concurrent HTTP"); RateLimit, if
// positive, throttles outbound requests regardless of fan-out width.
type HTTPConfig struct {
	BaseURL        string
	ClientID       string
	ClientSecret   string
	Scope          string
	VerifyRequests bool
	Threads        int
	RateLimit      rate.Limit
	Timeout        time.Duration
}

// HTTPClient is a thin REST binding of Client over the store's HTTP API.
// It exists so the rest of the module compiles and can be wired end to
// end; storetest.Fake is the implementation engine and handler tests use.
type HTTPClient struct {
	cfg    HTTPConfig
	http   *http.Client
	sem    *semaphore.Weighted
	limit  *rate.Limiter
	tokMu  sync.Mutex
	token  string
	tokExp time.Time
}

// NewHTTPClient builds an HTTPClient bounded to cfg.Threads concurrent
// in-flight requests.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &HTTPClient{
		cfg: cfg,
		http: &http.Client{
			Timeout: timeout,
		},
		sem: semaphore.NewWeighted(int64(cfg.Threads)),
	}
	if cfg.RateLimit > 0 {
		c.limit = rate.NewLimiter(cfg.RateLimit, cfg.Threads)
	}
	return c
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (Resource, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	if c.limit != nil {
		if err := c.limit.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("store: encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("store: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok, err := c.accessToken(ctx); err == nil && tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("store: read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if len(data) == 0 {
			return Resource{}, nil
		}
		var out Resource
		if strings.Contains(resp.Header.Get("Content-Type"), "json") {
			if err := json.Unmarshal(data, &out); err != nil {
				return nil, fmt.Errorf("store: decode response: %w", err)
			}
		}
		return out, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, string(data))
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, string(data))
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", ErrConflict, string(data))
	default:
		return nil, fmt.Errorf("%w (status %d): %s", ErrTransient, resp.StatusCode, string(data))
	}
}

// accessToken fetches and caches a client-credentials bearer token. A store
// deployment that requires no authentication simply leaves ClientID empty.
func (c *HTTPClient) accessToken(ctx context.Context) (string, error) {
	if c.cfg.ClientID == "" {
		return "", nil
	}

	c.tokMu.Lock()
	defer c.tokMu.Unlock()
	if c.token != "" && time.Now().Before(c.tokExp) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"scope":         {c.cfg.Scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token request returned %d", ErrUnauthorized, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("store: decode token response: %w", err)
	}

	c.token = body.AccessToken
	c.tokExp = time.Now().Add(time.Duration(body.ExpiresIn)*time.Second - 5*time.Second)
	return c.token, nil
}

func (c *HTTPClient) Get(ctx context.Context, typ, id string, subresources ...string) (Resource, error) {
	doc, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%s/%s", typ, id), nil)
	if err != nil {
		return nil, err
	}
	for _, sub := range subresources {
		subDoc, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%s/%s/%s", typ, id, sub), nil)
		if err != nil {
			return nil, err
		}
		doc[sub] = subDoc
	}
	return doc, nil
}

func (c *HTTPClient) GetList(ctx context.Context, typ string) ([]string, error) {
	doc, err := c.do(ctx, http.MethodGet, "/"+typ, nil)
	if err != nil {
		return nil, err
	}
	return idsFromResourceList(doc)
}

func (c *HTTPClient) GetMultiple(ctx context.Context, typ string, ids []string) ([]Resource, error) {
	return parallelMap(ctx, ids, func(ctx context.Context, id string) (Resource, error) {
		return c.Get(ctx, typ, id)
	})
}

func (c *HTTPClient) GetVersion(ctx context.Context) (Resource, error) {
	return c.do(ctx, http.MethodGet, "/version", nil)
}

func (c *HTTPClient) Create(ctx context.Context, typ string, payload Resource) (Resource, error) {
	return c.do(ctx, http.MethodPost, "/"+typ, payload)
}

func (c *HTTPClient) Update(ctx context.Context, typ, id string, payload Resource) (Resource, error) {
	if payload.Revision() == "" {
		existing, err := c.Get(ctx, typ, id)
		if err != nil {
			return nil, err
		}
		payload["revision"] = existing.Revision()
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/%s/%s", typ, id), payload)
}

func (c *HTTPClient) Delete(ctx context.Context, typ, id string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/%s/%s", typ, id), nil)
	return err
}

func (c *HTTPClient) DeleteMultiple(ctx context.Context, typ string, ids []string) error {
	_, err := parallelMap(ctx, ids, func(ctx context.Context, id string) (Resource, error) {
		return nil, c.Delete(ctx, typ, id)
	})
	return err
}

func (c *HTTPClient) Search(ctx context.Context, q Search) ([]string, []Resource, error) {
	criteria, err := buildCriteria(q.Query)
	if err != nil {
		return nil, nil, err
	}
	params, err := queryParams(criteria)
	if err != nil {
		return nil, nil, err
	}

	values := url.Values{}
	for _, p := range params {
		values.Add(p[0], p[1])
	}
	if q.ShowAll {
		values.Add("show", "all")
	} else {
		for _, field := range q.Show {
			values.Add("show", field)
		}
	}

	path := fmt.Sprintf("/%s/search?%s", q.Type, values.Encode())
	doc, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, nil, err
	}

	resourcesRaw, _ := doc["resources"].([]any)
	if q.ShowAll || len(q.Show) > 0 {
		resources := make([]Resource, 0, len(resourcesRaw))
		for _, r := range resourcesRaw {
			if m, ok := r.(map[string]any); ok {
				resources = append(resources, Resource(m))
			}
		}
		return nil, resources, nil
	}

	ids, err := idsFromResourceList(doc)
	return ids, nil, err
}

func (c *HTTPClient) SearchOne(ctx context.Context, q Search, dflt Resource, hasDefault bool) (Resource, error) {
	ids, resources, err := c.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	count := len(ids)
	if resources != nil {
		count = len(resources)
	}

	switch {
	case count == 0:
		if hasDefault {
			return dflt, nil
		}
		return nil, fmt.Errorf("%w: %s with query %v was not found", ErrNotFound, q.Type, q.Query)
	case count > 1:
		return nil, fmt.Errorf("%w: %s with query %v", ErrMultipleFound, q.Type, q.Query)
	}

	if resources != nil {
		return resources[0], nil
	}
	return c.Get(ctx, q.Type, ids[0])
}

func (c *HTTPClient) StatusCheck(ctx context.Context, types []string) error {
	_, err := parallelMap(ctx, types, func(ctx context.Context, typ string) (Resource, error) {
		_, _, err := c.Search(ctx, Search{Type: typ, Query: map[string]any{"id__exact": "*statuscheck*"}})
		return nil, err
	})
	return err
}

func (c *HTTPClient) CreateListener(ctx context.Context, sourceType string) (Resource, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/%s/listeners", sourceType), Resource{
		"notify_of_new": true,
		"listen_on_all": true,
	})
}

func (c *HTTPClient) ListNotificationIDs(ctx context.Context, sourceType, listenerID string) ([]string, error) {
	doc, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%s/listeners/%s/notifications", sourceType, listenerID), nil)
	if err != nil {
		return nil, err
	}
	return idsFromResourceList(doc)
}

func (c *HTTPClient) GetNotification(ctx context.Context, sourceType, listenerID, notificationID string) (Resource, error) {
	return c.do(ctx, http.MethodGet,
		fmt.Sprintf("/%s/listeners/%s/notifications/%s", sourceType, listenerID, notificationID), nil)
}

func (c *HTTPClient) AckNotification(ctx context.Context, sourceType, listenerID, notificationID string) error {
	_, err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/%s/listeners/%s/notifications/%s", sourceType, listenerID, notificationID), nil)
	return err
}

func idsFromResourceList(doc Resource) ([]string, error) {
	raw, _ := doc["resources"].([]any)
	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case map[string]any:
			if id, ok := v["id"].(string); ok {
				ids = append(ids, id)
			}
		case string:
			ids = append(ids, v)
		}
	}
	return ids, nil
}

// parallelMap fans fn out over inputs concurrently and returns results in
// input order (the store client's parallel-fetch capability, §9 "Concurrent
// HTTP": "order of results must follow input order"). Concurrency is
// bounded by fn itself acquiring sem inside c.do per request; this helper
// only fans the goroutines out, it does not acquire sem a second time.
func parallelMap[T any](ctx context.Context, inputs []T, fn func(context.Context, T) (Resource, error)) ([]Resource, error) {
	results := make([]Resource, len(inputs))
	errs := make([]error, len(inputs))

	var wg sync.WaitGroup
	for i, input := range inputs {
		wg.Add(1)
		go func(i int, input T) {
			defer wg.Done()
			results[i], errs[i] = fn(ctx, input)
		}(i, input)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
