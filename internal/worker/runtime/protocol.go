package runtime

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"workerhub/pkg/api"
)

// ErrNoResult is returned when an executor exits without a result line.
var ErrNoResult = errors.New("executor produced no result")

// maxLineSize bounds a single stdout line; result data can be large.
const maxLineSize = 8 << 20

type outputLine struct {
	Progress *api.Progress   `json:"progress"`
	Result   *api.TaskReport `json:"result"`
}

// ReadOutput consumes executor stdout until EOF. Lines that are not protocol
// JSON are ignored so executors can log freely. The last result line wins.
func ReadOutput(r io.Reader, progress ProgressFunc) (api.TaskReport, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		report api.TaskReport
		found  bool
	)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var out outputLine
		if err := json.Unmarshal(line, &out); err != nil {
			continue
		}
		if out.Progress != nil && progress != nil {
			progress(*out.Progress)
		}
		if out.Result != nil {
			report = *out.Result
			found = true
		}
	}
	if err := scanner.Err(); err != nil {
		return api.TaskReport{}, fmt.Errorf("read executor output: %w", err)
	}
	if !found {
		return api.TaskReport{}, ErrNoResult
	}
	return report, nil
}

func encodeTask(task Task) ([]byte, error) {
	b, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", task.RequestID, err)
	}
	return b, nil
}

// tailBuffer keeps the last n bytes written to it, for error messages.
type tailBuffer struct {
	n   int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.n {
		t.buf = t.buf[len(t.buf)-t.n:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(bytes.TrimSpace(t.buf))
}
