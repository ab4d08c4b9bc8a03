package fuse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/marfs-project/marfs-core/pkg/utils"
)

// MountManager owns one go-fuse server for the life of one mount.
type MountManager struct {
	filesystem *FileSystem
	server     *fuse.Server
	config     *MountConfig
	logger     *utils.Logger
	mounted    bool
}

// MountConfig is the mount-time configuration a caller builds from its
// loaded marfs Configuration before calling NewMountManager.
type MountConfig struct {
	MountPoint  string        `yaml:"mount_point"`
	Options     *MountOptions `yaml:"options"`
	Permissions *Permissions  `yaml:"permissions"`
}

// MountOptions are the go-fuse/kernel-level mount options, independent
// of anything in the core engine's own configuration.
type MountOptions struct {
	ReadOnly     bool   `yaml:"read_only"`
	AllowOther   bool   `yaml:"allow_other"`
	AllowRoot    bool   `yaml:"allow_root"`
	DefaultPerms bool   `yaml:"default_permissions"`

	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	Subtype      string        `yaml:"subtype"`
	MaxWrite     uint32        `yaml:"max_write"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// Permissions carries the fallback uid/gid/mode the FileSystem reports
// for MD entries that have none of their own (the synthetic root, or
// any path with a zero uid/gid).
type Permissions struct {
	UID      uint32 `yaml:"uid"`
	GID      uint32 `yaml:"gid"`
	FileMode uint32 `yaml:"file_mode"`
	DirMode  uint32 `yaml:"dir_mode"`
}

// NewMountManager builds a MountManager over an already-constructed
// FileSystem, filling in the same defaults the legacy objectfs mount
// layer used when config is nil.
func NewMountManager(fsys *FileSystem, mountPoint string, config *MountConfig, logger *utils.Logger) *MountManager {
	if config == nil {
		config = &MountConfig{
			Options: &MountOptions{
				MaxWrite:     128 * 1024,
				AttrTimeout:  time.Second,
				EntryTimeout: time.Second,
				FSName:       "marfs",
				Subtype:      "marfs",
			},
			Permissions: &Permissions{
				UID: uint32(os.Getuid()), GID: uint32(os.Getgid()),
				FileMode: 0o640, DirMode: 0o750,
			},
		}
	}
	config.MountPoint = mountPoint
	if logger == nil {
		logger = utils.Default
	}
	return &MountManager{filesystem: fsys, config: config, logger: logger.With("fuse-mount")}
}

// Mount validates the mount point, brings up the go-fuse server, and
// starts a background goroutine that waits for the kernel to tear the
// mount down (an external `fusermount -u`, a crash, or our own
// Unmount).
func (m *MountManager) Mount(ctx context.Context) error {
	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	opts := m.buildFUSEOptions()
	server, err := gofs.Mount(m.config.MountPoint, m.filesystem.Root(), opts)
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true
	m.logger.Info("mounted", map[string]interface{}{"mount_point": m.config.MountPoint})

	go func() {
		m.server.Wait()
		m.mounted = false
		m.logger.Info("fuse server stopped", map[string]interface{}{"mount_point": m.config.MountPoint})
	}()

	return nil
}

// Unmount tears the mount down, falling back to a lazy/force unmount
// syscall if the go-fuse server's own Unmount fails (a busy mount point
// with open handles is the common cause).
func (m *MountManager) Unmount() error {
	if !m.mounted || m.server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}
	m.logger.Info("unmounting", map[string]interface{}{"mount_point": m.config.MountPoint})

	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("normal unmount failed, trying force unmount", map[string]interface{}{"error": err.Error()})
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (force unmount also failed: %v)", err, forceErr)
		}
	}

	m.mounted = false
	m.server = nil
	return nil
}

// IsMounted reports whether this manager currently owns a live mount.
func (m *MountManager) IsMounted() bool { return m.mounted }

// Wait blocks until the mount is torn down.
func (m *MountManager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}
	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}
	if m.isAlreadyMounted() {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *gofs.Options {
	attrTimeout := m.config.Options.AttrTimeout
	entryTimeout := m.config.Options.EntryTimeout
	opts := &gofs.Options{
		MountOptions: fuse.MountOptions{
			Name:        m.config.Options.FSName,
			FsName:      m.config.Options.FSName,
			DirectMount: true,
			Debug:       m.config.Options.Debug,
			AllowOther:  m.config.Options.AllowOther,
			MaxWrite:    int(m.config.Options.MaxWrite),
		},
		AttrTimeout:     &attrTimeout,
		EntryTimeout:    &entryTimeout,
		NullPermissions: !m.config.Options.DefaultPerms,
	}
	m.filesystem.config.ReadOnly = m.config.Options.ReadOnly
	if m.config.Options.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	if m.config.Options.AllowRoot {
		opts.Options = append(opts.Options, "allow_root")
	}
	if m.config.Options.Subtype != "" {
		opts.Options = append(opts.Options, fmt.Sprintf("subtype=%s", m.config.Options.Subtype))
	}
	return opts
}

func (m *MountManager) isAlreadyMounted() bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), filepath.Clean(m.config.MountPoint))
}

func (m *MountManager) forceUnmount() error {
	if err := syscall.Unmount(m.config.MountPoint, 2); err == nil {
		return nil
	}
	return syscall.Unmount(m.config.MountPoint, 1)
}
