// internal/publisher/subscribe.go
package publisher

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"libradispatch/internal/wire"
)

// Subscribe reads the event stream at streamURL for topic and calls fn for every
// event, in order. onOpen, when set, runs once the hub has accepted the
// subscription. Subscribe returns when the stream ends, fails or ctx is done.
func Subscribe(ctx context.Context, streamURL, topic string, onOpen func(), fn func(Frame)) error {
	u, err := url.Parse(streamURL)
	if err != nil {
		return fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("topic", topic)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if onOpen != nil {
		onOpen()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), wire.MaxBody)

	var (
		event string
		data  [][]byte
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				fn(Frame{Topic: event, Body: bytes.Join(data, []byte("\n"))})
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, []byte(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}
