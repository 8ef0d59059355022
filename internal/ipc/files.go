// Package ipc implements the file-based request/response transport between
// the host and sandboxed agent workers: atomic tmp+rename writes, polling
// watchers with fsnotify wake, request correlation, and periodic snapshots.
package ipc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Dirs is the per-group IPC directory layout.
type Dirs struct {
	Root      string // <ipcRoot>/<group>
	Tasks     string // agent -> host requests
	Messages  string // agent -> host outbound chat messages
	Responses string // host -> agent correlated responses
	Input     string // host -> agent follow-up input
	Errors    string // quarantined unparseable/failed files
}

// GroupDirs returns the layout for one group under the IPC root.
func GroupDirs(ipcRoot, group string) Dirs {
	root := filepath.Join(ipcRoot, group)
	return Dirs{
		Root:      root,
		Tasks:     filepath.Join(root, "tasks"),
		Messages:  filepath.Join(root, "messages"),
		Responses: filepath.Join(root, "responses"),
		Input:     filepath.Join(root, "input"),
		Errors:    filepath.Join(root, "errors"),
	}
}

// Ensure creates the directory tree.
func (d Dirs) Ensure() error {
	for _, dir := range []string{d.Tasks, d.Messages, d.Responses, d.Input, d.Errors} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ipc dir %s: %w", dir, err)
		}
	}
	return nil
}

// WriteAtomic writes data to path via tmp+rename so readers never observe a
// partial file.
func WriteAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// RequestFileName builds a `<ms>-<rand>.json` name; lexicographic order over
// these names is arrival order.
func RequestFileName(now time.Time) string {
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("%013d-%s.json", now.UnixMilli(), hex.EncodeToString(suffix[:]))
}

// CloseSentinel is the input-file name that terminates an open agent session.
const CloseSentinel = "_close"

// secretFile is the per-group auth token shared with the sandboxed agent.
const secretFile = ".ipc_secret"

// EnsureSecret returns the group's IPC secret, generating a 32-byte hex token
// on first access. An existing secret is never overwritten.
func EnsureSecret(groupRoot string) (string, error) {
	path := filepath.Join(groupRoot, secretFile)
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}

	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate ipc secret: %w", err)
	}
	secret := hex.EncodeToString(raw[:])

	if err := os.MkdirAll(groupRoot, 0o755); err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			// Lost the creation race; read the winner's token.
			data, readErr := os.ReadFile(path)
			if readErr != nil {
				return "", readErr
			}
			return string(data), nil
		}
		return "", fmt.Errorf("create ipc secret: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(secret); err != nil {
		return "", err
	}
	return secret, nil
}
