// Package partition implements the remote block store contract: one
// HTTP-backed client per column of one volume, exposing
// read_block/write_block/delete over a simple form-encoded wire format. It
// is grounded on the original client-facing Partition (which wraps a
// BdObject RPC call: original_source/src/bdfs-lib/BdPartition.cpp) and on
// the PersistenceEngine abstraction
// (_examples/launix-de-memcp/storage/persistence.go), which shows the same
// narrow-capability-interface-over-a-swappable-backend shape for dynamic
// dispatch over storage backends.
package partition

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/drvcoin/drive-sub000/internal/volume"
)

// Client is the narrow capability the Volume/Row layer depends on for one
// column of one volume. Implementations must be safe for concurrent calls:
// a single Client is shared across concurrent row requests.
type Client interface {
	// ReadBlock fetches size bytes at offset within the cell at row. Sizes
	// are in [1, BlockSize()]; offset+size <= BlockSize().
	ReadBlock(ctx context.Context, row uint64, offset, size uint32) ([]byte, error)

	// WriteBlock stores data at offset within the cell at row, returning
	// the number of bytes written.
	WriteBlock(ctx context.Context, row uint64, offset uint32, data []byte) (int, error)

	// VerifyBlock is the cheap liveness check Row::Verify uses: it reports
	// whether the cell at row is present and readable, treating any error
	// as "not intact" rather than propagating it.
	VerifyBlock(ctx context.Context, row uint64) bool

	// Delete removes this column's backing storage on the provider.
	Delete(ctx context.Context) error

	BlockSize() int
}

// Config parameterizes one partition's transport: the provider endpoint,
// fallback relays, and the timeout budget (connect_timeout + request_timeout,
// applied per relay attempted) a per-call deadline is derived from.
type Config struct {
	PartitionName  string
	Provider       string // base URL, e.g. "https://host:port"
	Relays         []RelayEndpoint
	BlockSize      int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Logger         *zerolog.Logger
}

// RelayEndpoint is one fallback path to the same provider, resolved ahead
// of time from the DHT's HostInfo.
type RelayEndpoint struct {
	Name string
	URL  string
}

// HTTPClient is the default Client implementation: one HTTP POST per call,
// with relay fallback on connectivity-class errors and relay stickiness
// across subsequent calls.
type HTTPClient struct {
	cfg Config

	httpClient *retryablehttp.Client

	mu          sync.Mutex
	stickyRelay int // -1 = direct provider, >=0 = index into cfg.Relays
}

// NewHTTPClient builds an HTTPClient bound to one partition's provider and
// relay list.
func NewHTTPClient(cfg Config) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.Logger = nil // the corpus's retryablehttp consumers (hashicorp/nomad) route this through their own logger; we handle logging ourselves below
	rc.RetryMax = 0 // this layer's own relay loop supplies the only retry: a single relay deserves one honest attempt before falling back
	// hand every HTTP response (including 4xx/5xx) back to call() instead of
	// letting the default policy turn a 5xx into a transport error, which
	// would send it through relay fallback
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) { return false, nil }
	rc.HTTPClient.Timeout = cfg.ConnectTimeout + cfg.RequestTimeout
	return &HTTPClient{cfg: cfg, httpClient: rc, stickyRelay: -1}
}

func (c *HTTPClient) BlockSize() int { return c.cfg.BlockSize }

// Timeout reports the worst-case budget for one call to this partition: a
// connect+request timeout for the direct provider plus one for each relay
// attempted in a fallback chain.
func (c *HTTPClient) Timeout() time.Duration {
	attempts := time.Duration(len(c.cfg.Relays) + 1)
	return attempts * (c.cfg.ConnectTimeout + c.cfg.RequestTimeout)
}

func (c *HTTPClient) logger() *zerolog.Logger {
	if c.cfg.Logger != nil {
		return c.cfg.Logger
	}
	l := zerolog.Nop()
	return &l
}

// endpoints returns the provider URL followed by each relay URL, starting
// from the currently-sticky one if a prior call selected a relay: on
// success the selected relay stays sticky for subsequent calls.
func (c *HTTPClient) endpoints() []string {
	c.mu.Lock()
	sticky := c.stickyRelay
	c.mu.Unlock()

	all := make([]string, 0, len(c.cfg.Relays)+1)
	all = append(all, c.cfg.Provider)
	for _, r := range c.cfg.Relays {
		all = append(all, r.URL)
	}

	if sticky < 0 || sticky+1 >= len(all) {
		return all
	}
	// move the sticky endpoint to the front, keep the rest in stable order
	ordered := make([]string, 0, len(all))
	ordered = append(ordered, all[sticky+1])
	for i, e := range all {
		if i != sticky+1 {
			ordered = append(ordered, e)
		}
	}
	return ordered
}

func (c *HTTPClient) markSticky(base string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if base == c.cfg.Provider {
		c.stickyRelay = -1
		return
	}
	for i, r := range c.cfg.Relays {
		if r.URL == base {
			c.stickyRelay = i
			return
		}
	}
}

// post issues one POST to endpoint+path with the given form values, using
// the per-call timeout budget, and returns the raw response body on a
// non-connectivity outcome (including HTTP error statuses, which the
// caller decodes/classifies itself).
func (c *HTTPClient) post(ctx context.Context, endpoint, path string, form url.Values, body []byte) ([]byte, int, error) {
	full := endpoint + path
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout+c.cfg.RequestTimeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	} else {
		reqBody = bytes.NewReader([]byte(form.Encode()))
	}

	req, err := retryablehttp.NewRequestWithContext(callCtx, http.MethodPost, full, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: build request: %v", volume.ErrIoError, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, 0, fmt.Errorf("%w: %v", volume.ErrTimeout, err)
		}
		return nil, 0, fmt.Errorf("%w: %v", volume.ErrIoError, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read response: %v", volume.ErrIoError, err)
	}
	return respBody, resp.StatusCode, nil
}

// call performs relay fallback around post: it tries the provider, then
// each relay in stable order, stopping at the first attempt that doesn't
// fail with a connectivity-class error.
func (c *HTTPClient) call(ctx context.Context, path string, form url.Values, body []byte) ([]byte, error) {
	var lastErr error
	for _, endpoint := range c.endpoints() {
		respBody, status, err := c.post(ctx, endpoint, path, form, body)
		if err != nil {
			lastErr = err
			c.logger().Warn().Str("partition", c.cfg.PartitionName).Str("endpoint", endpoint).Err(err).Msg("partition transport attempt failed, trying next relay")
			continue
		}
		if status >= 400 {
			return nil, fmt.Errorf("%w: http %d: %s", volume.ErrIoError, status, string(respBody))
		}
		c.markSticky(endpoint)
		return respBody, nil
	}
	if lastErr == nil {
		lastErr = volume.ErrIoError
	}
	return nil, lastErr
}

func endpointPath(partitionName, action string) string {
	return "/api/host/Partitions/" + partitionName + "/" + action
}

// ReadBlock implements Client.ReadBlock: POST .../ReadBlock with
// block/offset/size form fields, response is a JSON string of
// base64-encoded bytes.
func (c *HTTPClient) ReadBlock(ctx context.Context, row uint64, offset, size uint32) ([]byte, error) {
	if size == 0 || offset+size > uint32(c.cfg.BlockSize) {
		return nil, fmt.Errorf("%w: offset %d size %d exceeds block size %d", volume.ErrOutOfRange, offset, size, c.cfg.BlockSize)
	}
	form := url.Values{}
	form.Set("block", strconv.FormatUint(row, 10))
	form.Set("offset", strconv.FormatUint(uint64(offset), 10))
	form.Set("size", strconv.FormatUint(uint64(size), 10))

	raw, err := c.call(ctx, endpointPath(c.cfg.PartitionName, "ReadBlock"), form, nil)
	if err != nil {
		return nil, err
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("%w: decode read response: %v", volume.ErrIoError, err)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64 payload: %v", volume.ErrIoError, err)
	}
	if uint32(len(data)) != size {
		return nil, fmt.Errorf("%w: short read: got %d bytes, want %d", volume.ErrIoError, len(data), size)
	}
	return data, nil
}

// WriteBlock implements Client.WriteBlock: POST .../WriteBlock with
// block/offset/data(base64) form fields, response is a JSON integer.
func (c *HTTPClient) WriteBlock(ctx context.Context, row uint64, offset uint32, data []byte) (int, error) {
	if len(data) == 0 || offset+uint32(len(data)) > uint32(c.cfg.BlockSize) {
		return 0, fmt.Errorf("%w: offset %d size %d exceeds block size %d", volume.ErrOutOfRange, offset, len(data), c.cfg.BlockSize)
	}
	form := url.Values{}
	form.Set("block", strconv.FormatUint(row, 10))
	form.Set("offset", strconv.FormatUint(uint64(offset), 10))
	form.Set("data", base64.StdEncoding.EncodeToString(data))

	raw, err := c.call(ctx, endpointPath(c.cfg.PartitionName, "WriteBlock"), form, nil)
	if err != nil {
		return 0, err
	}

	var written int
	if err := json.Unmarshal(raw, &written); err != nil {
		return 0, fmt.Errorf("%w: decode write response: %v", volume.ErrIoError, err)
	}
	if written != len(data) {
		return written, fmt.Errorf("%w: short write: wrote %d of %d bytes", volume.ErrIoError, written, len(data))
	}
	return written, nil
}

// VerifyBlock performs the cheapest possible liveness probe: a one-byte
// read at offset 0. Any error, including a timeout, is reported as "not
// intact" rather than propagated, matching Row.Verify's expectations.
func (c *HTTPClient) VerifyBlock(ctx context.Context, row uint64) bool {
	_, err := c.ReadBlock(ctx, row, 0, 1)
	return err == nil
}

// Delete implements Client.Delete: POST .../Delete, response JSON boolean.
func (c *HTTPClient) Delete(ctx context.Context) error {
	raw, err := c.call(ctx, endpointPath(c.cfg.PartitionName, "Delete"), url.Values{}, nil)
	if err != nil {
		return err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return fmt.Errorf("%w: decode delete response: %v", volume.ErrIoError, err)
	}
	if !ok {
		return fmt.Errorf("%w: provider reported delete failure", volume.ErrIoError)
	}
	return nil
}
