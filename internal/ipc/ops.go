package ipc

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// groupNamePattern keeps registered group folders path-safe.
var groupNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// RegisterGroupOps installs the register_group handler. Only the main group
// may register tenants; registration creates the group's IPC subtree and its
// secret.
func (b *Broker) RegisterGroupOps() {
	b.Register("register_group", Handler{
		Authorize: func(req *Request) error {
			if !req.IsMain {
				return errors.New("group registration requires the main group")
			}
			return nil
		},
		Validate: func(req *Request) error {
			var name string
			if !req.Field("group", &name) || name == "" {
				return errors.New("group is required")
			}
			if !groupNamePattern.MatchString(name) {
				return fmt.Errorf("invalid group name: %s", name)
			}
			return nil
		},
		Execute: func(ctx context.Context, req *Request) (any, error) {
			var name string
			req.Field("group", &name)

			dirs := GroupDirs(b.root, name)
			if err := dirs.Ensure(); err != nil {
				return nil, err
			}
			if _, err := EnsureSecret(dirs.Root); err != nil {
				return nil, err
			}
			b.logger.Info("group registered", "group", name)
			return map[string]any{"group": name, "root": dirs.Root}, nil
		},
	})
}
