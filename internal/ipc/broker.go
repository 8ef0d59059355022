package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// IPC failure codes surfaced in responses.
const (
	CodeTimeout      = "TIMEOUT"
	CodeBadRequest   = "BAD_REQUEST"
	CodeUnauthorized = "UNAUTHORIZED"
)

// Request is an externally tagged agent->host task file.
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// Group and IsMain are filled by the broker from the file's location.
	Group  string `json:"-"`
	IsMain bool   `json:"-"`

	// Raw holds the full payload for the handler's own decoding.
	Raw json.RawMessage `json:"-"`
}

// Field decodes one payload field into dst; false when absent.
func (r *Request) Field(name string, dst any) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(r.Raw, &m); err != nil {
		return false
	}
	raw, ok := m[name]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// Result is the host->agent response envelope.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// OutboundChat is an agent-authored chat message picked up from messages/.
type OutboundChat struct {
	ChatJID string `json:"chatJid"`
	Content string `json:"content"`
	Group   string `json:"-"`
}

// Handler is one registered operation: authorize, validate, execute. Nil
// stages are skipped.
type Handler struct {
	Authorize func(req *Request) error               // failure -> UNAUTHORIZED
	Validate  func(req *Request) error               // failure -> BAD_REQUEST
	Execute   func(ctx context.Context, req *Request) (any, error)
}

// Broker polls the per-group tasks/ and messages/ directories, dispatching
// task files through the handler table and chat files to the outbound sink.
type Broker struct {
	root      string
	mainGroup string
	interval  time.Duration
	logger    *slog.Logger

	handlers map[string]Handler

	// OnOutbound receives agent-authored chat messages. Set before Run.
	OnOutbound func(msg OutboundChat)
}

// NewBroker builds a broker over the IPC root directory.
func NewBroker(root, mainGroup string, interval time.Duration, logger *slog.Logger) *Broker {
	return &Broker{
		root:      root,
		mainGroup: mainGroup,
		interval:  interval,
		logger:    logger,
		handlers:  make(map[string]Handler),
	}
}

// Register installs a handler for a request type. Later registrations replace
// earlier ones.
func (b *Broker) Register(reqType string, h Handler) {
	b.handlers[reqType] = h
}

// Run polls until ctx is cancelled. File system events wake the scan early;
// the poll interval is the correctness backstop.
func (b *Broker) Run(ctx context.Context) error {
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return err
	}

	wake := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.logger.Warn("fsnotify unavailable, falling back to pure polling", "error", err)
	} else {
		defer watcher.Close()
		go b.forwardEvents(ctx, watcher, wake)
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Info("IPC broker started", "root", b.root, "interval", b.interval)
	for {
		b.scan(ctx, watcher)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (b *Broker) forwardEvents(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			// Only completed renames matter; .tmp writes are invisible.
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 && !strings.HasSuffix(ev.Name, ".tmp") {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// ScanOnce processes every pending task and message file once, without the
// watcher. Callers that embed the broker drive it manually through this.
func (b *Broker) ScanOnce(ctx context.Context) {
	b.scan(ctx, nil)
}

// scan walks every group subtree once, processing pending files in name
// (= arrival) order.
func (b *Broker) scan(ctx context.Context, watcher *fsnotify.Watcher) {
	groups, err := os.ReadDir(b.root)
	if err != nil {
		b.logger.Warn("ipc root unreadable", "error", err)
		return
	}
	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		dirs := GroupDirs(b.root, g.Name())
		if err := dirs.Ensure(); err != nil {
			b.logger.Warn("ipc group setup failed", "group", g.Name(), "error", err)
			continue
		}
		if watcher != nil {
			// Adding an existing watch is a no-op error we can ignore.
			_ = watcher.Add(dirs.Tasks)
			_ = watcher.Add(dirs.Messages)
		}
		b.processTasks(ctx, g.Name(), dirs)
		b.processMessages(g.Name(), dirs)
	}
}

func (b *Broker) processTasks(ctx context.Context, group string, dirs Dirs) {
	for _, path := range pendingFiles(dirs.Tasks) {
		if err := b.handleTaskFile(ctx, group, dirs, path); err != nil {
			b.logger.Error("ipc task failed", "group", group, "file", filepath.Base(path), "error", err)
			quarantine(dirs.Errors, path)
			continue
		}
		os.Remove(path)
	}
}

func (b *Broker) handleTaskFile(ctx context.Context, group string, dirs Dirs, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}
	req.Raw = data
	req.Group = group
	req.IsMain = group == b.mainGroup

	res := b.dispatch(ctx, &req)
	if req.RequestID != "" {
		if err := WriteResponse(dirs, req.RequestID, res); err != nil {
			return err
		}
	}
	if !res.Success {
		b.logger.Info("ipc request denied", "group", group, "type", req.Type, "code", res.Code)
	}
	return nil
}

func (b *Broker) dispatch(ctx context.Context, req *Request) Result {
	h, ok := b.handlers[req.Type]
	if !ok {
		return Result{Success: false, Code: CodeBadRequest, Message: fmt.Sprintf("unknown request type: %s", req.Type)}
	}
	if h.Authorize != nil {
		if err := h.Authorize(req); err != nil {
			return Result{Success: false, Code: CodeUnauthorized, Message: err.Error()}
		}
	}
	if h.Validate != nil {
		if err := h.Validate(req); err != nil {
			return Result{Success: false, Code: CodeBadRequest, Message: err.Error()}
		}
	}
	data, err := h.Execute(ctx, req)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}
	return Result{Success: true, Data: data}
}

func (b *Broker) processMessages(group string, dirs Dirs) {
	for _, path := range pendingFiles(dirs.Messages) {
		data, err := os.ReadFile(path)
		if err != nil {
			b.logger.Warn("ipc message unreadable", "file", path, "error", err)
			quarantine(dirs.Errors, path)
			continue
		}
		var msg OutboundChat
		if err := json.Unmarshal(data, &msg); err != nil || msg.ChatJID == "" {
			b.logger.Warn("ipc message malformed", "file", filepath.Base(path))
			quarantine(dirs.Errors, path)
			continue
		}
		msg.Group = group
		if b.OnOutbound != nil {
			b.OnOutbound(msg)
		}
		os.Remove(path)
	}
}

// WriteResponse writes the correlated reply for a request id atomically.
func WriteResponse(dirs Dirs, requestID string, res Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return WriteAtomic(filepath.Join(dirs.Responses, requestID+".json"), payload)
}

// pendingFiles lists the dir's .json files ascending by name.
func pendingFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out
}

// quarantine moves a failed file to errors/ rather than deleting it.
func quarantine(errDir, path string) {
	dst := filepath.Join(errDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		os.Remove(path)
	}
}
