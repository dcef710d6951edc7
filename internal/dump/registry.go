package dump

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// CorrelationIDBase is the first message id the registry uses for its
// side-channel Debugger.getScriptSource requests. IDE debug clients number
// their requests from 1, so this range never collides with theirs.
const CorrelationIDBase = 900_000

// SendFunc transmits a text frame on the session's upstream connection.
type SendFunc func(data []byte) error

// Registry observes the upstream half of a relay session for
// Debugger.scriptParsed notifications, fetches each script's source over
// the same upstream connection, and writes the results under the dump
// directory. All disk work happens off the relay path.
type Registry struct {
	root      string
	longPaths bool
	send      SendFunc
	log       *zap.SugaredLogger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]string           // correlation id -> relative dump path
	written map[string][sha256.Size]byte // relative dump path -> content hash
	closed  bool

	// Disk writes go through a single writer goroutine so a script that
	// reloads with new content always ends up with its latest version on
	// disk, regardless of goroutine scheduling. Enqueueing never blocks:
	// when the writer falls behind, new jobs are shed rather than stalling
	// the relay pump that feeds ObserveUpstream.
	jobs       chan writeJob
	writerDone chan struct{}
	dumped     atomic.Int64
	shed       atomic.Int64

	// writeFile is swapped out in tests.
	writeFile func(path string, content []byte) error
}

// writeQueueDepth bounds how many fetched sources may wait for the disk.
const writeQueueDepth = 64

type writeJob struct {
	rel     string
	sum     [sha256.Size]byte
	content []byte
}

// NewRegistry creates a registry writing under root (already including the
// per-channel subdirectory). send must be safe to call concurrently with
// the session's own upstream writes.
func NewRegistry(root string, longPaths bool, send SendFunc, log *zap.SugaredLogger) *Registry {
	r := &Registry{
		root:       root,
		longPaths:  longPaths,
		send:       send,
		log:        log,
		pending:    make(map[int64]string),
		written:    make(map[string][sha256.Size]byte),
		jobs:       make(chan writeJob, writeQueueDepth),
		writerDone: make(chan struct{}),
		writeFile:  writeAtomic,
	}
	r.nextID.Store(CorrelationIDBase)
	go r.writer()
	return r
}

// ObserveUpstream inspects one upstream text frame. It returns true when
// the frame is a response to a registry-issued request and must not be
// forwarded to the client. Any parse failure leaves the frame untouched
// and forwarded.
func (r *Registry) ObserveUpstream(data []byte) (consumed bool) {
	if method := gjson.GetBytes(data, "method"); method.Str == "Debugger.scriptParsed" {
		r.onScriptParsed(data)
		return false
	}

	id := gjson.GetBytes(data, "id")
	if !id.Exists() || id.Int() < CorrelationIDBase {
		return false
	}

	r.mu.Lock()
	rel, ours := r.pending[id.Int()]
	delete(r.pending, id.Int())
	r.mu.Unlock()
	if !ours {
		return false
	}

	r.onSourceResponse(rel, data)
	return true
}

func (r *Registry) onScriptParsed(data []byte) {
	params := gjson.GetBytes(data, "params")
	url := params.Get("url").Str
	scriptID := params.Get("scriptId").Str
	if url == "" || scriptID == "" {
		return
	}
	// Anonymous eval scripts have no stable path worth dumping.
	if strings.HasPrefix(url, "eval-") && strings.HasSuffix(url, ".cdp") {
		return
	}

	rel := r.relPath(url)
	r.log.Debugf("script parsed: %s", rel)

	id := r.nextID.Add(1) - 1
	req, err := json.Marshal(map[string]any{
		"id":     id,
		"method": "Debugger.getScriptSource",
		"params": map[string]string{"scriptId": scriptID},
	})
	if err != nil {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.pending[id] = rel
	r.mu.Unlock()

	if err := r.send(req); err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		r.log.Debugf("script source request for %s failed: %v", url, err)
	}
}

func (r *Registry) onSourceResponse(rel string, data []byte) {
	if errField := gjson.GetBytes(data, "error.message"); errField.Exists() {
		r.log.Warnf("runtime refused script source for %s: %s", rel, errField.Str)
		return
	}
	source := gjson.GetBytes(data, "result.scriptSource")
	if !source.Exists() {
		r.log.Debugf("script source response for %s carried no source", rel)
		return
	}

	content := []byte(source.String())
	sum := sha256.Sum256(content)

	// Claim the path under the lock so identical content reloading the
	// same script results in exactly one disk write. The enqueue must not
	// block: this path runs on the relay pump, and a stalled disk must
	// never hold up ordinary debug traffic. When the queue is full the
	// write is shed unclaimed, so the next reload fetches it again.
	r.mu.Lock()
	if r.closed || r.written[rel] == sum {
		r.mu.Unlock()
		return
	}
	select {
	case r.jobs <- writeJob{rel: rel, sum: sum, content: content}:
		r.written[rel] = sum
	default:
		r.shed.Add(1)
		r.log.Warnf("dump queue full, dropping write for %s", rel)
	}
	r.mu.Unlock()
}

func (r *Registry) writer() {
	defer close(r.writerDone)
	for job := range r.jobs {
		if err := r.writeFile(filepath.Join(r.root, filepath.FromSlash(job.rel)), job.content); err != nil {
			r.log.Warnf("dump write for %s failed: %v", job.rel, err)
			r.mu.Lock()
			if r.written[job.rel] == job.sum {
				delete(r.written, job.rel)
			}
			r.mu.Unlock()
			continue
		}
		r.dumped.Add(1)
		r.log.Debugf("dumped %s", job.rel)
	}
}

// relPath maps a script URL to its relative path under the dump root.
func (r *Registry) relPath(url string) string {
	if r.longPaths {
		return SanitizePath(strings.TrimPrefix(url, "/"))
	}
	return SanitizePath(strings.TrimPrefix(Shorten(url), "/"))
}

// Dumped returns the number of scripts written so far.
func (r *Registry) Dumped() int64 {
	return r.dumped.Load()
}

// Close stops accepting new work and waits for in-flight writes. Safe to
// call more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	alreadyClosed := r.closed
	r.closed = true
	r.pending = make(map[int64]string)
	if !alreadyClosed {
		// Enqueues happen under the same lock and check closed first, so
		// nothing can send on jobs after this.
		close(r.jobs)
	}
	r.mu.Unlock()

	<-r.writerDone
	if !alreadyClosed {
		if n := r.dumped.Load(); n > 0 {
			r.log.Infof("dumped %d scripts to %s", n, r.root)
		}
	}
}

// writeAtomic writes content via a temp file and rename so an interrupted
// write never corrupts a previously complete file.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".winccdbg-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// CleanDir removes a channel's dump subdirectory. Called at startup and
// when the channel's target changes, so stale sources from a previous
// runtime incarnation never linger next to fresh ones.
func CleanDir(root, channel string) error {
	path := filepath.Join(root, channel)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(path)
}
