// Package remote implements spec §4.E's remote uploader: a background
// worker exclusively owning either an upload-script subprocess or a
// direct filesystem FileStorage, fed by a bounded queue of staged files.
//
// Grounded on mmp-bk/storage/disk.go and gcs.go for the two FileStorage
// backends, and on spec §5's "mutex+condvar bounded queue" concurrency
// model, implemented here as a buffered channel plus an explicit idle
// signal for Sync (spec §9's suggested channel mapping).
package remote

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/cumulusfs/cumulus/internal/fmtutil"
	"github.com/cumulusfs/cumulus/internal/integrity"
	"github.com/cumulusfs/cumulus/internal/logging"
	"github.com/google/uuid"
)

const queueCapacity = 4

// integrityHashRate is the chunk size used for a protected file's per-shard
// hash chain (see internal/integrity).
const integrityHashRate = 64 * 1024

// task is one queued upload: a staged local file bound for a remote path.
type task struct {
	kind       string
	remotePath string
	localPath  string
}

// Uploader owns the transfer queue and either the upload-script
// subprocess's pipes or a FileStorage backend, per spec §4.E.
type Uploader struct {
	log *logging.Logger

	stageDir string
	storage  FileStorage // used when script == ""

	script      string
	cmd         *exec.Cmd
	stdin       *bufio.Writer
	stdinCloser io.Closer
	stdout      *bufio.Reader

	queue chan task
	wg    sync.WaitGroup

	mu             sync.Mutex
	idleCond       *sync.Cond
	outstanding    int // allocated-but-not-enqueued RemoteFile count
	pendingInQueue int // enqueued-but-not-yet-processed count
	fatalErr       error
	protect        bool
	dryRun         bool
}

// New starts the uploader. If script is non-empty it is run as
// "/bin/sh -c script" and driven with the PUT protocol of spec §6;
// otherwise storage is used for direct copies.
func New(stageDir, script string, storage FileStorage, log *logging.Logger) (*Uploader, error) {
	u := &Uploader{
		log:      log,
		stageDir: stageDir,
		storage:  storage,
		script:   script,
		queue:    make(chan task, queueCapacity),
	}
	u.idleCond = sync.NewCond(&u.mu)

	if script != "" {
		cmd := exec.Command("/bin/sh", "-c", script)
		stdinPipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("remote: upload script stdin: %w", err)
		}
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("remote: upload script stdout: %w", err)
		}
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("remote: starting upload script %q: %w", script, err)
		}
		u.cmd = cmd
		u.stdin = bufio.NewWriter(stdinPipe)
		u.stdinCloser = stdinPipe
		u.stdout = bufio.NewReader(stdoutPipe)
	}

	u.wg.Add(1)
	go u.run()
	return u, nil
}

// EnableIntegrityProtection turns on Reed-Solomon protection of every file
// uploaded through u from this point on: before a staged file is sent, a
// ".rs" sidecar of parity shards and per-shard hashes is computed and
// uploaded right after it as remotePath+".rs", so a dumb remote that can't
// itself notice bit rot holds the parity data that integrity.Verify and
// integrity.Repair read.
func (u *Uploader) EnableIntegrityProtection() {
	u.mu.Lock()
	u.protect = true
	u.mu.Unlock()
}

// SetDryRun, when enabled, makes Send discard every staged file instead of
// queuing it for upload: callers still walk, chunk, and account data as
// usual, but nothing ever reaches the remote.
func (u *Uploader) SetDryRun(dryRun bool) {
	u.mu.Lock()
	u.dryRun = dryRun
	u.mu.Unlock()
}

// StagePath returns a fresh staging file path for a to-be-uploaded object,
// keyed by a random UUID so concurrent allocations never collide.
func (u *Uploader) StagePath() string {
	return filepath.Join(u.stageDir, uuid.New().String()+".stage")
}

// RemoteFile is a caller-owned handle for one file being staged for
// upload: the caller writes bytes to LocalPath via its own descriptor,
// then calls Send to hand ownership to the uploader.
type RemoteFile struct {
	u          *Uploader
	kind       string
	remotePath string
	localPath  string
	sent       bool
}

// Allocate reserves a staging path for a file of the given type destined
// for remotePath, incrementing the outstanding counter (spec §5).
func (u *Uploader) Allocate(kind, remotePath string) *RemoteFile {
	u.mu.Lock()
	u.outstanding++
	u.mu.Unlock()
	return &RemoteFile{u: u, kind: kind, remotePath: remotePath, localPath: u.StagePath()}
}

// LocalPath is the staging file the caller should write its content to.
func (rf *RemoteFile) LocalPath() string { return rf.localPath }

// RemotePath is the destination path this handle was allocated for.
func (rf *RemoteFile) RemotePath() string { return rf.remotePath }

// Send enqueues the staged file for upload, blocking if the queue is
// full (spec §4.E). It must be called at most once per handle. Under
// SetDryRun, the staged file is discarded locally instead of queued.
func (rf *RemoteFile) Send() {
	u := rf.u
	rf.sent = true

	u.mu.Lock()
	u.outstanding--
	dry := u.dryRun
	u.mu.Unlock()

	if dry {
		os.Remove(rf.localPath)
		return
	}

	u.mu.Lock()
	u.pendingInQueue++
	u.mu.Unlock()
	u.queue <- task{kind: rf.kind, remotePath: rf.remotePath, localPath: rf.localPath}
}

func (u *Uploader) run() {
	defer u.wg.Done()
	for t := range u.queue {
		err := u.upload(t)
		u.mu.Lock()
		if err != nil && u.fatalErr == nil {
			u.fatalErr = err
		}
		u.pendingInQueue--
		if u.pendingInQueue == 0 {
			u.idleCond.Broadcast()
		}
		u.mu.Unlock()
		if err != nil {
			u.log.Fatal("remote: upload of %s failed: %v", t.remotePath, err)
		}
	}
}

func (u *Uploader) upload(t task) error {
	u.mu.Lock()
	protect := u.protect
	u.mu.Unlock()

	var sidecarPath string
	if protect {
		fi, err := os.Stat(t.localPath)
		if err != nil {
			return err
		}
		nData, nParity := integrity.DefaultShards(fi.Size())
		if err := integrity.Protect(t.localPath, nData, nParity, integrityHashRate); err != nil {
			return fmt.Errorf("remote: protecting %s: %w", t.localPath, err)
		}
		sidecarPath = t.localPath + ".rs"
	}

	put := u.putDirect
	if u.script != "" {
		put = u.putScript
	}

	if err := put(t.kind, t.remotePath, t.localPath); err != nil {
		return err
	}
	if err := os.Remove(t.localPath); err != nil {
		return err
	}

	if sidecarPath == "" {
		return nil
	}
	if err := put(t.kind, t.remotePath+".rs", sidecarPath); err != nil {
		return err
	}
	return os.Remove(sidecarPath)
}

func (u *Uploader) putDirect(kind, remotePath, localPath string) error {
	return u.storage.Put(remotePath, localPath)
}

func (u *Uploader) putScript(kind, remotePath, localPath string) error {
	line := fmt.Sprintf("PUT %s %s %s\n",
		fmtutil.URIEscape(kind), fmtutil.URIEscape(remotePath), fmtutil.URIEscape(localPath))
	if _, err := u.stdin.WriteString(line); err != nil {
		return fmt.Errorf("remote: writing PUT command: %w", err)
	}
	if err := u.stdin.Flush(); err != nil {
		return fmt.Errorf("remote: flushing PUT command: %w", err)
	}

	resp, err := u.stdout.ReadString('\n')
	if err != nil {
		return fmt.Errorf("remote: reading upload script response: %w", err)
	}
	resp = trimNewline(resp)
	if resp != "OK" {
		return fmt.Errorf("remote: upload script rejected %s: %q", remotePath, resp)
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Sync blocks until the queue is empty and the worker is idle, per spec
// §4.E. Returns the first fatal error encountered by the worker, if any.
func (u *Uploader) Sync() error {
	u.mu.Lock()
	for u.pendingInQueue > 0 {
		u.idleCond.Wait()
	}
	err := u.fatalErr
	u.mu.Unlock()
	return err
}

// Close signals termination and joins the worker. The caller must ensure
// no RemoteFile is created between a Sync call and Close (spec §4.E's
// invariant that outstanding counts reach zero at shutdown).
func (u *Uploader) Close() error {
	if err := u.Sync(); err != nil {
		return err
	}

	u.mu.Lock()
	outstanding := u.outstanding
	u.mu.Unlock()
	if outstanding != 0 {
		return fmt.Errorf("remote: %d RemoteFile handles allocated but never sent", outstanding)
	}

	close(u.queue)
	u.wg.Wait()

	if u.cmd != nil {
		if err := u.stdinCloser.Close(); err != nil {
			return fmt.Errorf("remote: closing upload script stdin: %w", err)
		}
		if err := u.cmd.Wait(); err != nil {
			return fmt.Errorf("remote: upload script exited with error: %w", err)
		}
	}
	return u.fatalErr
}
