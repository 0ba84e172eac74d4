package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// waitForSentinel copies lines from r to out until a line contains success
// or failure. The returned reader yields whatever r has buffered past the
// sentinel line so the caller can keep streaming.
func waitForSentinel(ctx context.Context, r io.Reader, out io.Writer, success, failure string) (*bufio.Reader, error) {
	br := bufio.NewReader(r)

	type result struct {
		err error
	}
	done := make(chan result, 1)

	go func() {
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				_, _ = io.WriteString(out, line)
				if strings.Contains(line, success) {
					done <- result{}
					return
				}
				if failure != "" && strings.Contains(line, failure) {
					done <- result{err: fmt.Errorf("%w: %s", ErrStartup, strings.TrimSpace(line))}
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("%w: output closed before %q", ErrStartup, success)
				}
				done <- result{err: err}
				return
			}
		}
	}()

	select {
	case res := <-done:
		return br, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return br, ErrTimeout
		}
		return br, ctx.Err()
	}
}
