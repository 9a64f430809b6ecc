//go:build linux

package process

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	pserrors "github.com/benfred/py-spy/pkg/errors"
)

// linuxHandle attaches to a target via ptrace and reads its memory via
// process_vm_readv, falling back to /proc/<pid>/mem. Grounded on the
// teacher's OSCommand for the "one struct, narrow surface, Log threaded
// through" shape; the ptrace/procfs mechanics have no analogue in the
// teacher and are written directly against the Linux syscalls spec §3/§9
// call for.
type linuxHandle struct {
	pid         int
	nonblocking bool

	mu           sync.Mutex
	attached     bool
	attachedTids map[int]bool
	suspendDepth int

	memFile *os.File
}

func open(pid int, nonblocking bool) (Handle, error) {
	if pid <= 0 {
		return nil, pserrors.Newf(pserrors.Attach, "invalid pid %d", pid)
	}
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
		if os.IsNotExist(err) {
			return nil, pserrors.Newf(pserrors.TargetGone, "process %d does not exist", pid)
		}
		return nil, wrapErrno(pserrors.Attach, "stat /proc/<pid>", err)
	}
	return &linuxHandle{pid: pid, nonblocking: nonblocking, attachedTids: map[int]bool{}}, nil
}

func (h *linuxHandle) Pid() int { return h.pid }

// Attach PTRACE_SEIZEs every thread currently in /proc/<pid>/task. SEIZE
// (rather than ATTACH) does not itself stop the tracee, which matters for
// nonblocking mode where we only want the ability to suspend later, not an
// immediate stop.
func (h *linuxHandle) Attach(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.attached {
		return nil
	}

	memFile, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", h.pid), os.O_RDONLY, 0)
	if err != nil {
		if os.IsPermission(err) {
			return pserrors.Newf(pserrors.Permission, "cannot open /proc/%d/mem: %v", h.pid, err)
		}
		if os.IsNotExist(err) {
			return pserrors.Newf(pserrors.TargetGone, "process %d vanished before attach", h.pid)
		}
		return wrapErrno(pserrors.Attach, "open /proc/<pid>/mem", err)
	}
	h.memFile = memFile

	if h.nonblocking {
		h.attached = true
		return nil
	}

	tids, err := h.listTids()
	if err != nil {
		memFile.Close()
		return err
	}
	for _, tid := range tids {
		if err := unix.PtraceSeize(tid); err != nil {
			if err == unix.ESRCH {
				continue // thread exited between listing and seize
			}
			if err == unix.EPERM {
				memFile.Close()
				return pserrors.Newf(pserrors.Permission, "ptrace(SEIZE, %d): %v", tid, err)
			}
			memFile.Close()
			return wrapErrno(pserrors.Attach, fmt.Sprintf("ptrace(SEIZE, %d)", tid), err)
		}
		h.attachedTids[tid] = true
	}

	select {
	case <-ctx.Done():
		return pserrors.New(pserrors.Cancelled, "attach cancelled")
	default:
	}

	h.attached = true
	return nil
}

func (h *linuxHandle) Detach() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detachLocked()
}

func (h *linuxHandle) detachLocked() error {
	for h.suspendDepth > 0 {
		h.resumeOneLocked()
	}
	for tid := range h.attachedTids {
		_ = unix.PtraceDetach(tid)
		delete(h.attachedTids, tid)
	}
	h.attached = false
	if h.memFile != nil {
		err := h.memFile.Close()
		h.memFile = nil
		return err
	}
	return nil
}

// Suspend stops every currently-attached thread. Nested: only the
// outermost Suspend actually sends a stop.
func (h *linuxHandle) Suspend() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.nonblocking {
		h.suspendDepth++
		return nil
	}
	if h.suspendDepth == 0 {
		for tid := range h.attachedTids {
			if err := unix.PtraceInterrupt(tid); err != nil && err != unix.ESRCH {
				return wrapErrno(pserrors.MemoryRead, fmt.Sprintf("ptrace(INTERRUPT, %d)", tid), err)
			}
			var ws unix.WaitStatus
			_, _ = unix.Wait4(tid, &ws, 0, nil)
		}
	}
	h.suspendDepth++
	return nil
}

// Resume undoes one Suspend. It is a caller error to call it more times
// than Suspend; we treat the extra call as a no-op rather than panicking,
// since a bug here is exactly the "leaked suspend" failure the sampling
// loop must never exhibit.
func (h *linuxHandle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resumeOneLocked()
	return nil
}

func (h *linuxHandle) resumeOneLocked() {
	if h.suspendDepth == 0 {
		return
	}
	h.suspendDepth--
	if h.suspendDepth == 0 && !h.nonblocking {
		for tid := range h.attachedTids {
			_ = unix.PtraceCont(tid, 0)
		}
	}
}

func (h *linuxHandle) Regions() ([]Region, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", h.pid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pserrors.Newf(pserrors.TargetGone, "process %d vanished", h.pid)
		}
		return nil, wrapErrno(pserrors.MemoryRead, "open /proc/<pid>/maps", err)
	}
	defer f.Close()

	var regions []Region
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		region, ok := parseMapsLine(scanner.Text())
		if ok {
			regions = append(regions, region)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, wrapErrno(pserrors.MemoryRead, "read /proc/<pid>/maps", err)
	}
	return regions, nil
}

// parseMapsLine parses one line of /proc/<pid>/maps, e.g.:
//
//	7f1234000000-7f1234021000 r--p 00000000 08:01 131099  /usr/bin/python3.11
func parseMapsLine(line string) (Region, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Region{}, false
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Region{}, false
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Region{}, false
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return Region{}, false
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		offset = 0
	}
	path := ""
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}
	moduleID := ""
	if path != "" {
		moduleID = filepath.Base(path)
	}
	return Region{
		Start:    start,
		End:      end,
		Perms:    fields[1],
		Offset:   offset,
		Path:     path,
		ModuleID: moduleID,
	}, true
}

func (h *linuxHandle) Threads() ([]Thread, error) {
	tids, err := h.listTids()
	if err != nil {
		return nil, err
	}
	threads := make([]Thread, 0, len(tids))
	for _, tid := range tids {
		active, _ := isThreadRunning(tid)
		threads = append(threads, Thread{ID: tid, Active: active})
	}
	return threads, nil
}

func (h *linuxHandle) listTids() ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", h.pid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pserrors.Newf(pserrors.TargetGone, "process %d vanished", h.pid)
		}
		return nil, wrapErrno(pserrors.MemoryRead, "read /proc/<pid>/task", err)
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err == nil {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}

func isThreadRunning(tid int) (bool, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", tid))
	if err != nil {
		return false, err
	}
	// state is the field after the last ')' closing the comm name
	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 || idx+2 >= len(data) {
		return false, nil
	}
	state := data[idx+2]
	return state == 'R', nil
}

// ReadMemory prefers process_vm_readv (one syscall, no seek) and falls
// back to pread on /proc/<pid>/mem for kernels/configs where it's
// disabled (e.g. under some container seccomp profiles).
func (h *linuxHandle) ReadMemory(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(h.pid, local, remote, 0)
	if err == nil && n == len(buf) {
		return nil
	}
	if err != nil && err != unix.ENOSYS {
		return h.classifyReadErr(addr, len(buf), err)
	}

	h.mu.Lock()
	memFile := h.memFile
	h.mu.Unlock()
	if memFile == nil {
		return pserrors.New(pserrors.Internal, "ReadMemory called before Attach")
	}

	got, err := memFile.ReadAt(buf, int64(addr))
	if err != nil {
		return h.classifyReadErr(addr, len(buf), err)
	}
	if got != len(buf) {
		return pserrors.Newf(pserrors.Torn, "short read at %s: got %d of %d bytes", fmtAddr(addr), got, len(buf))
	}
	return nil
}

func (h *linuxHandle) classifyReadErr(addr uint64, length int, err error) error {
	switch err {
	case unix.ESRCH:
		return pserrors.Newf(pserrors.TargetGone, "process %d vanished mid-read", h.pid)
	case unix.EPERM:
		return pserrors.Newf(pserrors.Permission, "permission denied reading %s", fmtAddr(addr))
	case unix.EIO, unix.EFAULT:
		return pserrors.Newf(pserrors.MemoryRead, "unmapped or faulted address %s (%d bytes): %v", fmtAddr(addr), length, err)
	default:
		return pserrors.Newf(pserrors.MemoryRead, "read %s (%d bytes): %v", fmtAddr(addr), length, err)
	}
}

func (h *linuxHandle) ReadCString(addr uint64, maxLen int) ([]byte, error) {
	const chunk = 64
	out := make([]byte, 0, chunk)
	buf := make([]byte, chunk)
	for len(out) < maxLen {
		n := chunk
		if remaining := maxLen - len(out); remaining < n {
			n = remaining
		}
		if err := h.ReadMemory(addr+uint64(len(out)), buf[:n]); err != nil {
			return nil, err
		}
		if idx := bytes.IndexByte(buf[:n], 0); idx >= 0 {
			out = append(out, buf[:idx]...)
			return out, nil
		}
		out = append(out, buf[:n]...)
	}
	return out, nil
}

// ChildPids reads /proc/<pid>/task/<tid>/children (present since Linux
// 3.5) for every thread, unioning the results. This is cheaper than
// scanning every /proc/*/stat for a matching PPid.
func (h *linuxHandle) ChildPids() ([]int, error) {
	tids, err := h.listTids()
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	var children []int
	for _, tid := range tids {
		data, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/children", h.pid, tid))
		if err != nil {
			continue
		}
		for _, field := range strings.Fields(string(data)) {
			childPid, err := strconv.Atoi(field)
			if err == nil && !seen[childPid] {
				seen[childPid] = true
				children = append(children, childPid)
			}
		}
	}
	return children, nil
}

func (h *linuxHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detachLocked()
}
