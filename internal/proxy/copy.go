package proxy

import (
	"context"
	"errors"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays bytes between left and right until either
// direction ends, then closes both connections. Canceling ctx closes them
// too. It returns the byte counts copied left to right and right to left.
// Errors caused by the teardown itself are not reported.
func CopyBidirectional(ctx context.Context, left, right net.Conn) (l2r, r2l int64, err error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group

	g.Go(func() error {
		defer closeBoth()
		n, err := copyBuffer(right, left)
		l2r = n
		return err
	})

	g.Go(func() error {
		defer closeBoth()
		n, err := copyBuffer(left, right)
		r2l = n
		return err
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return l2r, r2l, err
}
