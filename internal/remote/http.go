package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/courierchat/courier/internal/message"
)

// ClientConfig holds the remote endpoints and per-call deadlines.
type ClientConfig struct {
	BaseURL       string
	StreamURL     string
	Token         string
	SendTimeout   time.Duration
	UploadTimeout time.Duration
	PageSize      int
}

// Client implements Store over HTTP and Source over a websocket.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a remote store client.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 2 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger,
	}
}

// wireMessage is the JSON shape of a confirmed message on the wire. The
// server echoes back the client's local id when it was supplied at send time.
type wireMessage struct {
	RemoteID   string `json:"remote_id"`
	LocalID    string `json:"local_id,omitempty"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Body       string `json:"body,omitempty"`
	MediaURL   string `json:"media_url,omitempty"`
	MediaKind  string `json:"media_kind,omitempty"`
	Kind       string `json:"kind"`
	ReplyToID  string `json:"reply_to_id,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// toEntity normalizes a wire message into a confirmed entity. Messages that
// originated elsewhere carry no local id; the remote id stands in so they
// never collide with a local shadow.
func (w *wireMessage) toEntity() message.Entity {
	localID := w.LocalID
	if localID == "" {
		localID = w.RemoteID
	}
	kind := message.Kind(w.Kind)
	if !kind.Valid() {
		kind = message.KindText
	}
	return message.Entity{
		LocalID:    localID,
		RemoteID:   w.RemoteID,
		SenderID:   w.SenderID,
		SenderName: w.SenderName,
		Body:       w.Body,
		MediaURL:   w.MediaURL,
		MediaKind:  w.MediaKind,
		Timestamp:  w.Timestamp,
		Status:     message.StatusSent,
		Kind:       kind,
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Send writes one message to the remote store.
func (c *Client) Send(ctx context.Context, e *message.Entity) (SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	req := wireMessage{
		LocalID:    e.LocalID,
		SenderID:   e.SenderID,
		SenderName: e.SenderName,
		Body:       e.Body,
		MediaURL:   e.MediaURL,
		MediaKind:  e.MediaKind,
		Kind:       string(e.Kind),
		ReplyToID:  e.ReplyToID,
		Timestamp:  e.Timestamp,
	}
	var res SendResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/messages", &req, &res); err != nil {
		return SendResult{}, err
	}
	if res.RemoteID == "" {
		return SendResult{}, fmt.Errorf("send: server returned no remote id")
	}
	return res, nil
}

// LoadOlder pages backwards through remote history.
func (c *Client) LoadOlder(ctx context.Context, beforeTS int64, limit int) ([]message.Entity, error) {
	if limit <= 0 {
		limit = c.cfg.PageSize
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("before", strconv.FormatInt(beforeTS, 10))
	q.Set("limit", strconv.Itoa(limit))

	var page []wireMessage
	if err := c.doJSON(ctx, http.MethodGet, "/v1/messages?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	out := make([]message.Entity, 0, len(page))
	for i := range page {
		out = append(out, page[i].toEntity())
	}
	return out, nil
}

// Delete removes a confirmed message by remote id.
func (c *Client) Delete(ctx context.Context, remoteID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	return c.doJSON(ctx, http.MethodDelete, "/v1/messages/"+url.PathEscape(remoteID), nil, nil)
}

// Upload transfers a media blob and returns its resolved URL.
func (c *Client) Upload(ctx context.Context, r io.Reader, size int64, mime string, progress func(int)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UploadTimeout)
	defer cancel()

	body := io.Reader(r)
	if progress != nil {
		body = &progressReader{r: r, total: size, fn: progress, last: -1}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/media", body)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mime)
	if size > 0 {
		req.ContentLength = size
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("upload: status %d: %s", resp.StatusCode, data)
	}
	var res struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if res.URL == "" {
		return "", fmt.Errorf("upload: server returned no url")
	}
	if progress != nil {
		progress(100)
	}
	return res.URL, nil
}

// progressReader reports transfer progress as a percentage while the HTTP
// client drains the request body.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    func(int)
	last  int
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct != p.last {
			p.last = pct
			p.fn(pct)
		}
	}
	return n, err
}

// Subscribe dials the stream endpoint and delivers full-snapshot frames to fn
// until unsubscribed. A read error or malformed frame is translated to an
// empty-snapshot emission and the dial is retried, so one poison frame never
// kills the live subscription.
func (c *Client) Subscribe(fn func(snapshot []message.Entity)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for {
			if ctx.Err() != nil {
				return
			}
			c.readStream(ctx, fn)
			if ctx.Err() != nil {
				return
			}
			fn(nil)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}, nil
}

func (c *Client) readStream(ctx context.Context, fn func(snapshot []message.Entity)) {
	opts := &websocket.DialOptions{}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	}
	conn, _, err := websocket.Dial(ctx, c.cfg.StreamURL, opts)
	if err != nil {
		c.logger.Warn("stream dial failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(8 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("stream read failed", zap.Error(err))
			}
			return
		}
		var frame []wireMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("malformed stream frame", zap.Error(err))
			fn(nil)
			continue
		}
		snapshot := make([]message.Entity, 0, len(frame))
		for i := range frame {
			snapshot = append(snapshot, frame[i].toEntity())
		}
		fn(snapshot)
	}
}
