package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTaskFile(t *testing.T, dirs Dirs, payload map[string]any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := WriteAtomic(filepath.Join(dirs.Tasks, RequestFileName(time.Now())), data); err != nil {
		t.Fatalf("write task: %v", err)
	}
}

func TestBrokerDispatchesAndResponds(t *testing.T) {
	root := t.TempDir()
	dirs := GroupDirs(root, "main")
	if err := dirs.Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	b := NewBroker(root, "main", time.Second, discard())
	var gotGroup string
	b.Register("schedule_task", Handler{
		Validate: func(req *Request) error {
			var prompt string
			if !req.Field("prompt", &prompt) || prompt == "" {
				return errors.New("prompt is required")
			}
			return nil
		},
		Execute: func(ctx context.Context, req *Request) (any, error) {
			gotGroup = req.Group
			return map[string]string{"taskId": "t1"}, nil
		},
	})

	writeTaskFile(t, dirs, map[string]any{"type": "schedule_task", "requestId": "req-1", "prompt": "daily standup"})
	b.scan(context.Background(), nil)

	if gotGroup != "main" {
		t.Fatalf("handler group = %q", gotGroup)
	}

	res, err := AwaitResponse(context.Background(), dirs, "req-1", time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	// Response files are unlinked on read.
	if _, err := os.Stat(filepath.Join(dirs.Responses, "req-1.json")); !os.IsNotExist(err) {
		t.Fatal("response file not unlinked")
	}
}

func TestBrokerValidationFailureIsBadRequest(t *testing.T) {
	root := t.TempDir()
	dirs := GroupDirs(root, "dev")
	_ = dirs.Ensure()

	b := NewBroker(root, "main", time.Second, discard())
	b.Register("schedule_task", Handler{
		Validate: func(req *Request) error { return errors.New("prompt is required") },
		Execute: func(ctx context.Context, req *Request) (any, error) {
			t.Fatal("execute reached despite failed validation")
			return nil, nil
		},
	})

	writeTaskFile(t, dirs, map[string]any{"type": "schedule_task", "requestId": "req-2"})
	b.scan(context.Background(), nil)

	res, err := AwaitResponse(context.Background(), dirs, "req-2", time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if res.Success || res.Code != CodeBadRequest {
		t.Fatalf("result = %+v", res)
	}
}

func TestBrokerAuthorizationDenied(t *testing.T) {
	root := t.TempDir()
	dirs := GroupDirs(root, "dev")
	_ = dirs.Ensure()

	b := NewBroker(root, "main", time.Second, discard())
	b.Register("mem_store", Handler{
		Authorize: func(req *Request) error {
			if !req.IsMain {
				return errors.New("L3 requires the main group")
			}
			return nil
		},
		Execute: func(ctx context.Context, req *Request) (any, error) { return nil, nil },
	})

	writeTaskFile(t, dirs, map[string]any{"type": "mem_store", "requestId": "req-3", "level": "L3"})
	b.scan(context.Background(), nil)

	res, err := AwaitResponse(context.Background(), dirs, "req-3", time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if res.Success || res.Code != CodeUnauthorized {
		t.Fatalf("result = %+v", res)
	}
}

func TestBrokerQuarantinesMalformedFiles(t *testing.T) {
	root := t.TempDir()
	dirs := GroupDirs(root, "main")
	_ = dirs.Ensure()

	bad := filepath.Join(dirs.Tasks, RequestFileName(time.Now()))
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	b := NewBroker(root, "main", time.Second, discard())
	b.scan(context.Background(), nil)

	entries, _ := os.ReadDir(dirs.Errors)
	if len(entries) != 1 {
		t.Fatalf("errors dir has %d files", len(entries))
	}
	entries, _ = os.ReadDir(dirs.Tasks)
	if len(entries) != 0 {
		t.Fatalf("tasks dir still has %d files", len(entries))
	}
}

func TestBrokerForwardsOutboundMessages(t *testing.T) {
	root := t.TempDir()
	dirs := GroupDirs(root, "main")
	_ = dirs.Ensure()

	data, _ := json.Marshal(map[string]string{"chatJid": "c1@g.us", "content": "done"})
	_ = WriteAtomic(filepath.Join(dirs.Messages, RequestFileName(time.Now())), data)

	b := NewBroker(root, "main", time.Second, discard())
	var got []OutboundChat
	b.OnOutbound = func(msg OutboundChat) { got = append(got, msg) }
	b.scan(context.Background(), nil)

	if len(got) != 1 || got[0].ChatJID != "c1@g.us" || got[0].Group != "main" {
		t.Fatalf("outbound = %+v", got)
	}
}

func TestRegisterGroupOps(t *testing.T) {
	root := t.TempDir()
	mainDirs := GroupDirs(root, "main")
	_ = mainDirs.Ensure()
	devDirs := GroupDirs(root, "dev")
	_ = devDirs.Ensure()

	b := NewBroker(root, "main", time.Second, discard())
	b.RegisterGroupOps()

	// Non-main groups cannot register tenants.
	writeTaskFile(t, devDirs, map[string]any{"type": "register_group", "requestId": "r1", "group": "research"})
	b.scan(context.Background(), nil)
	res, err := AwaitResponse(context.Background(), devDirs, "r1", time.Second)
	if err != nil || res.Success || res.Code != CodeUnauthorized {
		t.Fatalf("non-main registration: res=%+v err=%v", res, err)
	}

	writeTaskFile(t, mainDirs, map[string]any{"type": "register_group", "requestId": "r2", "group": "research"})
	b.scan(context.Background(), nil)
	res, err = AwaitResponse(context.Background(), mainDirs, "r2", time.Second)
	if err != nil || !res.Success {
		t.Fatalf("registration: res=%+v err=%v", res, err)
	}

	newDirs := GroupDirs(root, "research")
	if _, err := os.Stat(newDirs.Tasks); err != nil {
		t.Fatalf("tasks dir missing: %v", err)
	}
	secret, err := EnsureSecret(newDirs.Root)
	if err != nil || len(secret) != 64 {
		t.Fatalf("secret = %q err=%v", secret, err)
	}

	// Path-hostile names are rejected.
	writeTaskFile(t, mainDirs, map[string]any{"type": "register_group", "requestId": "r3", "group": "../escape"})
	b.scan(context.Background(), nil)
	res, _ = AwaitResponse(context.Background(), mainDirs, "r3", time.Second)
	if res.Success || res.Code != CodeBadRequest {
		t.Fatalf("hostile name accepted: %+v", res)
	}
}

func TestPublishAssignsRequestID(t *testing.T) {
	root := t.TempDir()
	dirs := GroupDirs(root, "main")
	_ = dirs.Ensure()

	b := NewBroker(root, "main", time.Second, discard())
	var gotID string
	b.Register("ping", Handler{
		Execute: func(ctx context.Context, req *Request) (any, error) {
			gotID = req.RequestID
			return nil, nil
		},
	})

	id, err := Publish(dirs, map[string]any{"type": "ping"})
	if err != nil || id == "" {
		t.Fatalf("publish: id=%q err=%v", id, err)
	}
	b.scan(context.Background(), nil)
	if gotID != id {
		t.Fatalf("handler saw %q, published %q", gotID, id)
	}
	if res, err := AwaitResponse(context.Background(), dirs, id, time.Second); err != nil || !res.Success {
		t.Fatalf("response: res=%+v err=%v", res, err)
	}
}

func TestSendInputAndClose(t *testing.T) {
	dirs := GroupDirs(t.TempDir(), "main")
	_ = dirs.Ensure()

	if err := SendInput(dirs, map[string]string{"content": "also check staging"}); err != nil {
		t.Fatalf("send input: %v", err)
	}
	if err := SendClose(dirs); err != nil {
		t.Fatalf("send close: %v", err)
	}

	entries, _ := os.ReadDir(dirs.Input)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 2 {
		t.Fatalf("input dir = %v", names)
	}
	found := false
	for _, n := range names {
		if n == CloseSentinel {
			found = true
		}
	}
	if !found {
		t.Fatalf("close sentinel missing: %v", names)
	}
}

func TestAwaitResponseTimeout(t *testing.T) {
	dirs := GroupDirs(t.TempDir(), "main")
	_ = dirs.Ensure()

	_, err := AwaitResponse(context.Background(), dirs, "missing", 200*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("err = %v", err)
	}
}

func TestEnsureSecretCreateOnce(t *testing.T) {
	root := filepath.Join(t.TempDir(), "main")

	first, err := EnsureSecret(root)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if len(first) != 64 {
		t.Fatalf("secret length = %d", len(first))
	}
	second, err := EnsureSecret(root)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second {
		t.Fatal("secret regenerated")
	}
}

func TestWriteAtomicLeavesNoTmp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.json")
	if err := WriteAtomic(path, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "snap.json" {
		t.Fatalf("dir entries = %v", entries)
	}
}
