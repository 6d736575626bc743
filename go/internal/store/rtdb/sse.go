package rtdb

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// event is one server-sent event from a streaming read.
type event struct {
	Name string
	Path string          // location below the watched node, "/" for the node itself
	Data json.RawMessage // new value; JSON null for a removal
}

var errStreamClosed = errors.New("stream closed by server")

// readEvents parses an event stream and calls fn for every put or patch.
// It returns when the stream ends, fn fails, or the server cancels the
// stream or revokes its credentials.
func readEvents(r io.Reader, fn func(event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var name string
	var data strings.Builder
	dispatch := func() error {
		defer func() {
			name = ""
			data.Reset()
		}()
		switch name {
		case "put", "patch":
			var body struct {
				Path string          `json:"path"`
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(data.String()), &body); err != nil {
				return fmt.Errorf("decode %s event: %w", name, err)
			}
			return fn(event{Name: name, Path: body.Path, Data: body.Data})
		case "cancel", "auth_revoked":
			return fmt.Errorf("%w: %s", errStreamClosed, name)
		}
		// keep-alive and unknown events
		return nil
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name != "" {
				if err := dispatch(); err != nil {
					return err
				}
			}
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}
