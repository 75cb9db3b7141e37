// Package scratch keeps transient working files of queued jobs, like uploaded input images
package scratch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
)

// Dir is a bounded scratch directory. Files are named as ts-seq-job.ext
type Dir struct {
	location    string
	seq         uint64
	concurrency int
}

// New makes scratch dir at location, creating it if needed
func New(location string) (*Dir, error) {
	if location == "" {
		return nil, errors.New("empty scratch location")
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		return nil, fmt.Errorf("can't resolve scratch location %s: %w", location, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("can't make scratch dir %s: %w", abs, err)
	}
	return &Dir{location: abs, concurrency: 4}, nil
}

// Put writes data for the job and returns the file name. The extension is taken from name.
func (d *Dir) Put(jobID, name string, data []byte) (string, error) {
	seq := atomic.AddUint64(&d.seq, 1)
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	fname := filepath.Join(d.location, fmt.Sprintf("%d-%d-%s%s", time.Now().UnixNano(), seq, jobID, ext))
	if err := os.WriteFile(fname, data, 0o600); err != nil {
		return "", fmt.Errorf("can't write scratch file %s: %w", fname, err)
	}
	log.Printf("[DEBUG] scratch file %s, %d bytes", fname, len(data))
	return fname, nil
}

// Remove deletes a scratch file. Missing files are fine, files outside of the dir are rejected.
func (d *Dir) Remove(fname string) error {
	if fname == "" {
		return nil
	}
	if !d.owns(fname) {
		return fmt.Errorf("%s is not in scratch dir %s", fname, d.location)
	}
	if err := os.Remove(fname); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("can't remove scratch file %s: %w", fname, err)
	}
	log.Printf("[DEBUG] scratch file %s removed", fname)
	return nil
}

// Cleanup removes files older than maxAge, except files in keep, and returns the number of removed files
func (d *Dir) Cleanup(ctx context.Context, maxAge time.Duration, keep map[string]bool) (int, error) {
	entries, err := os.ReadDir(d.location)
	if err != nil {
		return 0, fmt.Errorf("can't list scratch dir %s: %w", d.location, err)
	}

	var removed int32
	threshold := time.Now().Add(-maxAge)
	gr := syncs.NewSizedGroup(d.concurrency, syncs.Context(ctx))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		finfo, err := entry.Info()
		if err != nil {
			log.Printf("[WARN] can't get scratch file info for %s, %s", entry.Name(), err)
			continue
		}
		if finfo.ModTime().After(threshold) {
			continue
		}
		fname := filepath.Join(d.location, finfo.Name())
		if keep[fname] {
			log.Printf("[DEBUG] scratch file %s is old but still in use", fname)
			continue
		}
		gr.Go(func(context.Context) {
			if err := os.Remove(fname); err != nil && !os.IsNotExist(err) {
				log.Printf("[WARN] can't delete %s, %s", fname, err)
				return
			}
			atomic.AddInt32(&removed, 1)
		})
	}
	gr.Wait()
	if removed > 0 {
		log.Printf("[INFO] scratch cleanup removed %d files older than %v from %s", removed, maxAge, d.location)
	}
	return int(removed), ctx.Err()
}

// Location returns absolute path of the scratch dir
func (d *Dir) Location() string { return d.location }

func (d *Dir) String() string {
	return fmt.Sprintf("location:%s", d.location)
}

func (d *Dir) owns(fname string) bool {
	abs, err := filepath.Abs(fname)
	if err != nil {
		return false
	}
	return filepath.Dir(abs) == d.location
}
