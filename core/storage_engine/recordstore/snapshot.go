package recordstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/time/rate"
)

// snapshotChunkSize: size of each read/write chunk during snapshot copy.
const snapshotChunkSize = 4 * 1024 * 1024 // 4 MiB

// SnapshotTo copies the session txn log to dstPath for archiving, throttled
// to rateBytesPerSec (0 disables throttling). The copy covers everything
// committed before the call; appends landing during the copy are not
// included. With verify set, source and destination checksums are compared.
func (s *Store) SnapshotTo(ctx context.Context, dstPath string, rateBytesPerSec int64, verify bool) error {
	// Quiesce to a stable prefix: sync the log and capture its current size.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("cannot snapshot closed store at %s", s.dir)
	}
	if err := s.logFile.Sync(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to sync session txn log before snapshot: %w", err)
	}
	info, err := s.logFile.Stat()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to stat session txn log: %w", err)
	}
	size := info.Size()
	srcPath := s.logFile.Name()
	s.mu.Unlock()

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open snapshot src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open snapshot dst: %w", err)
	}
	defer func() {
		_ = dst.Sync()
		_ = dst.Close()
	}()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), snapshotChunkSize)
	}

	srcSum := sha256.New()
	buf := make([]byte, snapshotChunkSize)
	var copied int64
	for copied < size {
		chunk := int64(len(buf))
		if remaining := size - copied; remaining < chunk {
			chunk = remaining
		}
		if limiter != nil {
			if err := limiter.WaitN(ctx, int(chunk)); err != nil {
				return fmt.Errorf("snapshot throttle wait: %w", err)
			}
		}
		n, err := io.ReadFull(src, buf[:chunk])
		if err != nil {
			return fmt.Errorf("read snapshot src: %w", err)
		}
		if _, err := dst.Write(buf[:n]); err != nil {
			return fmt.Errorf("write snapshot dst: %w", err)
		}
		srcSum.Write(buf[:n])
		copied += int64(n)
	}

	if verify {
		if err := dst.Sync(); err != nil {
			return fmt.Errorf("sync snapshot dst: %w", err)
		}
		check, err := os.Open(dstPath)
		if err != nil {
			return fmt.Errorf("reopen snapshot dst for verify: %w", err)
		}
		defer check.Close()

		dstSum := sha256.New()
		if _, err := io.CopyN(dstSum, check, size); err != nil {
			return fmt.Errorf("read snapshot dst for verify: %w", err)
		}
		if fmt.Sprintf("%x", srcSum.Sum(nil)) != fmt.Sprintf("%x", dstSum.Sum(nil)) {
			return fmt.Errorf("snapshot checksum mismatch for %s", dstPath)
		}
	}
	return nil
}
