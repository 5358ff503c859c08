package store

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"xt-connector/internal/logging"
)

const lockFileName = ".connector.lock"

// ErrLockHeld is returned when another live connector owns the state dir.
var ErrLockHeld = errors.New("instance lock held")

// InstanceLock keeps two connectors from sharing one state dir, which would
// make them track and persist the same orders.
type InstanceLock struct {
	path string
	file *os.File
}

type LockOptions struct {
	InstanceID      string
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Now             func() time.Time
	Logger          logrus.FieldLogger
}

func AcquireInstanceLock(root string, opts LockOptions) (*InstanceLock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	path := filepath.Join(root, lockFileName)
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	log := logging.Component(opts.Logger, "instance_lock")

	for attempts := 0; attempts < 3; attempts++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if writeErr := writeLockFile(f, opts.InstanceID, nowFn().UTC()); writeErr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, writeErr
			}
			return &InstanceLock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.TakeoverEnabled {
			return nil, pkgerrors.Wrap(ErrLockHeld, path)
		}
		meta, stale, reason, staleErr := shouldTakeoverLock(path, nowFn().UTC(), opts.StaleAfter)
		if staleErr != nil {
			return nil, pkgerrors.Wrapf(ErrLockHeld, "%s (stale check failed: %v)", path, staleErr)
		}
		if !stale {
			return nil, pkgerrors.Wrapf(ErrLockHeld, "%s (%s)", path, reason)
		}
		log.WithFields(logrus.Fields{
			"event":       "instance_lock_takeover",
			"reason":      reason,
			"owner_pid":   meta.pid,
			"owner_id":    meta.instanceID,
			"owner_since": meta.startedAt,
		}).Warn("taking over stale instance lock")
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return nil, removeErr
		}
	}
	return nil, pkgerrors.Wrap(ErrLockHeld, path)
}

func writeLockFile(f *os.File, instanceID string, now time.Time) error {
	if f == nil {
		return errors.New("lock file is nil")
	}
	var b strings.Builder
	b.WriteString("pid=" + strconv.Itoa(os.Getpid()) + "\n")
	if instanceID != "" {
		b.WriteString("instance_id=" + instanceID + "\n")
	}
	b.WriteString("started_at=" + now.UTC().Format(time.RFC3339) + "\n")
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}
	return f.Sync()
}

type lockMeta struct {
	pid        int
	instanceID string
	startedAt  time.Time
}

func shouldTakeoverLock(path string, now time.Time, staleAfter time.Duration) (lockMeta, bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return lockMeta{}, true, "lock_disappeared", nil
		}
		return lockMeta{}, false, "", err
	}
	meta, err := parseLockMeta(data)
	if err != nil {
		return lockMeta{}, false, "", err
	}

	if meta.pid > 0 {
		if isProcessAlive(meta.pid) {
			return meta, false, "owner_process_running", nil
		}
		return meta, true, "owner_process_not_running", nil
	}
	if meta.startedAt.IsZero() {
		return meta, false, "missing_lock_owner_info", nil
	}
	if staleAfter > 0 && now.Sub(meta.startedAt) >= staleAfter {
		return meta, true, "lock_age_exceeded", nil
	}
	return meta, false, "lock_not_stale", nil
}

func parseLockMeta(data []byte) (lockMeta, error) {
	meta := lockMeta{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				meta.pid = pid
			}
		case "instance_id":
			meta.instanceID = value
		case "started_at":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				meta.startedAt = ts.UTC()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return lockMeta{}, err
	}
	return meta, nil
}

// isProcessAlive probes pid with signal 0. A permission error still means
// the process exists.
func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
