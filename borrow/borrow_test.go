package borrow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type counter struct {
	n      int
	order  []int
	inside bool
}

func TestBorrowRunsInOrder(t *testing.T) {
	lender, borrower := New[counter]()

	value := counter{}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		for {
			select {
			case <-stop:
				return
			default:
			}
			cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			if lender.WaitToLend(cctx) == nil {
				lender.Lend(&value)
			}
			cancel()
		}
	}()

	const n = 10
	for i := 0; i < n; i++ {
		i := i
		if err := borrower.Borrow(context.Background(), func(v *counter) {
			v.n++
			v.order = append(v.order, i)
		}); err != nil {
			t.Fatalf("borrow %d: %s", i, err)
		}
	}
	close(stop)
	<-done

	if value.n != n {
		t.Errorf("ran %d closures; want %d", value.n, n)
	}
	for i, got := range value.order {
		if got != i {
			t.Fatalf("closure order %v is not submission order", value.order)
		}
	}
}

func TestBorrowExclusive(t *testing.T) {
	lender, borrower := New[counter]()

	value := counter{}
	var overlapped atomic.Bool
	stop := make(chan struct{})
	ownerDone := make(chan struct{})
	go func() {
		defer close(ownerDone)
		for {
			select {
			case req := <-lender.Requests():
				req.Grant(&value)
			case <-stop:
				return
			}
		}
	}()

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := borrower.Borrow(context.Background(), func(v *counter) {
				if v.inside {
					overlapped.Store(true)
				}
				v.inside = true
				v.n++
				v.inside = false
			})
			if err != nil {
				t.Errorf("borrow: %s", err)
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-ownerDone

	if overlapped.Load() {
		t.Error("two closures overlapped")
	}
	if value.n != n {
		t.Errorf("ran %d closures; want %d", value.n, n)
	}
}

func TestBorrowAfterClose(t *testing.T) {
	lender, borrower := New[counter]()
	lender.Close()

	err := borrower.Borrow(context.Background(), func(*counter) {
		t.Error("closure ran on a closed channel")
	})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("got %v; want ErrClosed", err)
	}
}

func TestCloseResolvesOutstandingBorrow(t *testing.T) {
	lender, borrower := New[counter]()

	errCh := make(chan error, 1)
	go func() {
		errCh <- borrower.Borrow(context.Background(), func(*counter) {})
	}()

	// Take the request but walk away without granting it.
	if err := lender.WaitToLend(context.Background()); err != nil {
		t.Fatalf("wait to lend: %s", err)
	}
	lender.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("got %v; want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("borrow did not resolve after Close")
	}
}

func TestBorrowContextCancelled(t *testing.T) {
	_, borrower := New[counter]()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := borrower.Borrow(ctx, func(*counter) {
		t.Error("closure ran despite cancelled context")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v; want context.Canceled", err)
	}
}

func TestLendWithoutRequest(t *testing.T) {
	lender, _ := New[counter]()
	value := counter{}
	if lender.Lend(&value) {
		t.Error("Lend reported a serviced request on an empty queue")
	}
}
