package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrTimeout is returned when no correlated response arrives within bound.
var ErrTimeout = errors.New(CodeTimeout)

// Publish drops a request file into the group's tasks/ directory and returns
// the request id used for correlation.
func Publish(dirs Dirs, payload map[string]any) (string, error) {
	requestID, _ := payload["requestId"].(string)
	if requestID == "" {
		requestID = uuid.NewString()
		payload["requestId"] = requestID
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	name := RequestFileName(time.Now())
	if err := WriteAtomic(filepath.Join(dirs.Tasks, name), data); err != nil {
		return "", err
	}
	return requestID, nil
}

// AwaitResponse polls responses/<requestID>.json until it appears, unlinking
// it on read. Returns ErrTimeout when the bound elapses.
func AwaitResponse(ctx context.Context, dirs Dirs, requestID string, timeout time.Duration) (*Result, error) {
	path := filepath.Join(dirs.Responses, requestID+".json")
	deadline := time.Now().Add(timeout)

	for {
		data, err := os.ReadFile(path)
		if err == nil {
			os.Remove(path)
			var res Result
			if err := json.Unmarshal(data, &res); err != nil {
				return nil, fmt.Errorf("parse response: %w", err)
			}
			return &res, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// SendInput writes a follow-up chat message into the group's input/ directory
// for an open agent session.
func SendInput(dirs Dirs, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return WriteAtomic(filepath.Join(dirs.Input, RequestFileName(time.Now())), data)
}

// SendClose drops the `_close` sentinel terminating the group's open session.
func SendClose(dirs Dirs) error {
	return WriteAtomic(filepath.Join(dirs.Input, CloseSentinel), []byte("{}"))
}
