package dispatch

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultProcessorPort is where processors listen when a host names no port.
const DefaultProcessorPort = "8881"

const (
	processPath         = "/201006/process/ooid"
	priorityProcessPath = "/201006/priority/process/ooid"
)

// HTTPDispatcher posts crash ids to processor daemons. The processor answers
// with its own host name.
type HTTPDispatcher struct {
	client   *http.Client
	priority bool
}

// NewHTTPDispatcher builds a dispatcher with the given request timeout.
func NewHTTPDispatcher(timeout time.Duration, priority bool) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDispatcher{client: &http.Client{Timeout: timeout}, priority: priority}
}

// ProcessorURL returns the endpoint for a processor host, which may be a bare
// host, a host:port pair or a full URL.
func (d *HTTPDispatcher) ProcessorURL(processor string) string {
	path := processPath
	if d.priority {
		path = priorityProcessPath
	}
	if strings.HasPrefix(processor, "http://") || strings.HasPrefix(processor, "https://") {
		return strings.TrimRight(processor, "/") + path
	}
	if _, _, err := net.SplitHostPort(processor); err != nil {
		processor = net.JoinHostPort(processor, DefaultProcessorPort)
	}
	return "http://" + processor + path
}

// Dispatch posts ooid=<id> to the processor.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, processor, id string) (string, error) {
	endpoint := d.ProcessorURL(processor)
	form := url.Values{"ooid": {id}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := d.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "post %s to %s", id, endpoint)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", errors.Wrapf(err, "read answer from %s", endpoint)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("processor %s answered %s", processor, resp.Status)
	}
	name := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if name == "" {
		name = processor
	}
	log.Debugf("posted %s to %s, accepted by %s", id, endpoint, name)
	return name, nil
}
