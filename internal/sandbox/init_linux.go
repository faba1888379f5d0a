package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"
)

const (
	initName = "runbox-sandbox-init"
	specFD   = 3
	statusFD = 4
	// faultFD stays open across exec for the runtime's driver.
	faultFD = 5
)

func init() {
	reexec.Register(initName, initMain)
}

// initSpec is passed from the backend to the init helper over specFD.
type initSpec struct {
	Path string   `json:"path"`
	Args []string `json:"args"`
	Env  []string `json:"env"`
	Dir  string   `json:"dir"`

	// Root is the host directory to build the context root in. Empty means
	// the helper runs without a private root.
	Root      string   `json:"root,omitempty"`
	Workspace string   `json:"workspace,omitempty"`
	ReadOnly  []string `json:"read_only,omitempty"`
	Hostname  string   `json:"hostname,omitempty"`
	TmpSize   int64    `json:"tmp_size,omitempty"`

	Rlimits     []rlimit `json:"rlimits"`
	Seccomp     bool     `json:"seccomp"`
	DenyNetwork bool     `json:"deny_network"`
}

type rlimit struct {
	Resource int    `json:"resource"`
	Value    uint64 `json:"value"`
}

// initMain runs in the re-executed binary, inside the new namespaces, and
// replaces itself with the runtime. It only returns on failure.
func initMain() {
	runtime.LockOSThread()

	status := os.NewFile(statusFD, "status")
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(status, "panic: %v", r)
			os.Exit(1)
		}
	}()

	if err := containerInit(); err != nil {
		fmt.Fprint(status, err.Error())
		os.Exit(1)
	}
}

func containerInit() error {
	if _, err := unix.FcntlInt(statusFD, unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return fmt.Errorf("status pipe: %w", err)
	}

	f := os.NewFile(specFD, "spec")
	var spec initSpec
	err := json.NewDecoder(f).Decode(&spec)
	f.Close()
	if err != nil {
		return fmt.Errorf("reading spec: %w", err)
	}

	if spec.Root != "" {
		if err := unix.Sethostname([]byte(spec.Hostname)); err != nil {
			return fmt.Errorf("sethostname: %w", err)
		}
		if err := setupRoot(&spec); err != nil {
			return err
		}
	}
	if err := unix.Chdir(spec.Dir); err != nil {
		return fmt.Errorf("chdir %s: %w", spec.Dir, err)
	}
	if spec.Root != "" {
		if err := dropCapabilities(); err != nil {
			return err
		}
	}

	if spec.Seccomp {
		if err := loadSeccomp(spec.DenyNetwork); err != nil {
			return fmt.Errorf("seccomp: %w", err)
		}
	}

	// Address space limits can starve the helper's own runtime, so they go
	// last.
	for _, rl := range spec.Rlimits {
		lim := unix.Rlimit{Cur: rl.Value, Max: rl.Value}
		if err := unix.Setrlimit(rl.Resource, &lim); err != nil {
			return fmt.Errorf("setrlimit %d: %w", rl.Resource, err)
		}
	}

	err = unix.Exec(spec.Path, spec.Args, spec.Env)
	return fmt.Errorf("exec %s: %w", spec.Path, err)
}

// dropCapabilities leaves the helper, and everything it execs, as a root
// without privileges in its user namespace.
func dropCapabilities() error {
	for c := 0; ; c++ {
		err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0)
		if errors.Is(err, unix.EINVAL) {
			break
		}
		if err != nil {
			return fmt.Errorf("dropping capability %d: %w", c, err)
		}
	}
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("clearing ambient capabilities: %w", err)
	}

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("capset: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("no_new_privs: %w", err)
	}
	return nil
}

var lockedFlags = map[int64]uintptr{
	unix.ST_RDONLY:     unix.MS_RDONLY,
	unix.ST_NOSUID:     unix.MS_NOSUID,
	unix.ST_NODEV:      unix.MS_NODEV,
	unix.ST_NOEXEC:     unix.MS_NOEXEC,
	unix.ST_NOATIME:    unix.MS_NOATIME,
	unix.ST_NODIRATIME: unix.MS_NODIRATIME,
	unix.ST_RELATIME:   unix.MS_RELATIME,
}

var devices = []string{"/dev/null", "/dev/zero", "/dev/random", "/dev/urandom"}

// setupRoot builds a minimal root in spec.Root and chroots into it. It runs
// inside a fresh mount namespace, so nothing it mounts is visible outside.
func setupRoot(spec *initSpec) error {
	root := spec.Root

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mounts private: %w", err)
	}
	if err := unix.Mount("tmpfs", root, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=0755,size=1m"); err != nil {
		return fmt.Errorf("mounting root: %w", err)
	}

	for _, p := range spec.ReadOnly {
		if err := bindMount(p, filepath.Join(root, p), true); err != nil {
			return err
		}
	}
	for _, d := range devices {
		if err := bindMount(d, filepath.Join(root, d), false); err != nil {
			return err
		}
	}

	tmp := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmp, 0o1777); err != nil {
		return err
	}
	tmpOpts := "mode=1777"
	if spec.TmpSize > 0 {
		tmpOpts += fmt.Sprintf(",size=%d", spec.TmpSize)
	}
	if err := unix.Mount("tmpfs", tmp, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, tmpOpts); err != nil {
		return fmt.Errorf("mounting /tmp: %w", err)
	}

	if err := bindMount(spec.Workspace, filepath.Join(root, workspaceDir), false); err != nil {
		return err
	}

	if err := unix.Mount("", root, "", unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
		return fmt.Errorf("remounting root read-only: %w", err)
	}
	if err := unix.Chroot(root); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	return unix.Chdir("/")
}

// bindMount mounts src at dst, creating the mount point. Missing sources are
// skipped so one root path list works across distributions.
func bindMount(src, dst string, readOnly bool) error {
	fi, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	if fi.IsDir() {
		err = os.MkdirAll(dst, 0o755)
	} else {
		err = os.MkdirAll(filepath.Dir(dst), 0o755)
		if err == nil {
			var f *os.File
			f, err = os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, 0o644)
			if err == nil {
				f.Close()
			}
		}
	}
	if err != nil {
		return fmt.Errorf("creating mount point %s: %w", dst, err)
	}

	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mounting %s: %w", src, err)
	}

	flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_NOSUID)
	if readOnly {
		flags |= unix.MS_RDONLY | unix.MS_NODEV
	}
	// Flags locked by the outer namespace must be carried over on remount.
	var st unix.Statfs_t
	if err := unix.Statfs(dst, &st); err == nil {
		for sf, mf := range lockedFlags {
			if int64(st.Flags)&sf != 0 {
				flags |= mf
			}
		}
	}
	if err := unix.Mount("", dst, "", flags, ""); err != nil {
		return fmt.Errorf("remounting %s: %w", src, err)
	}
	return nil
}
