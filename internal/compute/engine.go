package compute

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// engineEvent is one line of the engine's stdout protocol. The engine emits
// progress events while it works and exactly one result or error event
// before exiting.
type engineEvent struct {
	Progress *float64        `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// EngineFunc builds a Func that execs the given engine binary, writing the
// payload JSON to its stdin and reading line-delimited JSON events from its
// stdout. This keeps the poker algorithms fully external to the pipeline.
func EngineFunc(binary string) Func {
	return func(ctx context.Context, payload json.RawMessage, progress func(float64)) (json.RawMessage, error) {
		cmd := exec.CommandContext(ctx, binary)
		cmd.Stdin = bytes.NewReader(payload)

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("engine stdout: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting engine %s: %w", binary, err)
		}

		var result json.RawMessage
		var engineErr error

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var ev engineEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				// stop reading here; kill the engine first so Wait cannot
				// block on a full stdout pipe nobody drains anymore
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return nil, fmt.Errorf("engine emitted malformed event: %w", err)
			}
			switch {
			case ev.Error != "":
				engineErr = fmt.Errorf("engine: %s", ev.Error)
			case ev.Result != nil:
				result = ev.Result
			case ev.Progress != nil:
				progress(clampProgress(*ev.Progress))
			}
		}
		if err := scanner.Err(); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, fmt.Errorf("reading engine output: %w", err)
		}

		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				return nil, fmt.Errorf("engine exited: %v: %s", err, msg)
			}
			return nil, fmt.Errorf("engine exited: %w", err)
		}

		if engineErr != nil {
			return nil, engineErr
		}
		if result == nil {
			return nil, fmt.Errorf("engine produced no result")
		}
		return result, nil
	}
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
