package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamscao/trustgate/internal/testutil"
	"github.com/adamscao/trustgate/pkg/certutil"
)

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict("Proceed")
	require.NoError(t, err)
	assert.Equal(t, Proceed, v)

	v, err = ParseVerdict(" cancel ")
	require.NoError(t, err)
	assert.Equal(t, Cancel, v)

	_, err = ParseVerdict("maybe")
	assert.Error(t, err)
}

func TestPublishDeliversToSurface(t *testing.T) {
	ch := New(nil)
	cert := testutil.Leaf(t)

	s := ch.Attach()
	defer s.Close()

	p, err := ch.Publish(context.Background(), cert)
	require.NoError(t, err)

	req, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, p.Handle(), req.Handle)
	assert.Equal(t, certutil.Fingerprint(cert), req.Metadata.Fingerprint)

	assert.True(t, ch.Resolve(req.Handle, Proceed))

	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Proceed, v)
}

func TestResolveIsSingleUse(t *testing.T) {
	ch := New(nil)
	p, err := ch.Publish(context.Background(), testutil.Leaf(t))
	require.NoError(t, err)

	assert.True(t, ch.Resolve(p.Handle(), Cancel))
	assert.False(t, ch.Resolve(p.Handle(), Proceed))

	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Cancel, v)
	assert.Empty(t, ch.Outstanding())
}

func TestResolveUnknownHandle(t *testing.T) {
	ch := New(nil)
	assert.False(t, ch.Resolve("does-not-exist", Proceed))
	assert.False(t, ch.Resolve("does-not-exist", Cancel))
}

func TestConcurrentResolveAppliesOnce(t *testing.T) {
	ch := New(nil)
	p, err := ch.Publish(context.Background(), testutil.Leaf(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		v := Proceed
		if i%2 == 1 {
			v = Cancel
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- ch.Resolve(p.Handle(), v)
		}()
	}
	wg.Wait()
	close(results)

	applied := 0
	for ok := range results {
		if ok {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
}

func TestQueuedUntilSurfaceAttaches(t *testing.T) {
	ch := New(nil)
	p, err := ch.Publish(context.Background(), testutil.Leaf(t))
	require.NoError(t, err)
	require.Len(t, ch.Outstanding(), 1)

	s := ch.Attach()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.Handle(), req.Handle)
}

func TestWaitWithoutSurfaceIsUnavailable(t *testing.T) {
	ch := New(nil)
	p, err := ch.Publish(context.Background(), testutil.Leaf(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	v, err := p.Wait(ctx)
	assert.Equal(t, Cancel, v)
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, ch.Outstanding())

	// a late verdict for the expired handle is ignored
	assert.False(t, ch.Resolve(p.Handle(), Proceed))
}

func TestWaitDeliveredButUnanswered(t *testing.T) {
	ch := New(nil)
	s := ch.Attach()
	defer s.Close()

	p, err := ch.Publish(context.Background(), testutil.Leaf(t))
	require.NoError(t, err)
	_, err = s.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, err := p.Wait(ctx)
	assert.Equal(t, Cancel, v)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrChannelUnavailable))
}

func TestSurfaceCloseCancelsOwned(t *testing.T) {
	ch := New(nil)
	s := ch.Attach()
	other := ch.Attach()
	defer other.Close()

	owned, err := ch.Publish(context.Background(), testutil.Leaf(t))
	require.NoError(t, err)
	_, err = s.Next(context.Background())
	require.NoError(t, err)

	queued, err := ch.Publish(context.Background(), testutil.Leaf(t))
	require.NoError(t, err)

	s.Close()

	select {
	case <-owned.Done():
	default:
		t.Fatal("owned approval not resolved by Close")
	}
	v, err := owned.Wait(context.Background())
	assert.Equal(t, Cancel, v)
	assert.ErrorIs(t, err, ErrSurfaceClosed)

	// requests the closed surface never took stay available to others
	req, err := other.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queued.Handle(), req.Handle)
}

func TestNextAfterClose(t *testing.T) {
	ch := New(nil)
	s := ch.Attach()
	s.Close()
	s.Close()

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrSurfaceClosed)
	assert.Equal(t, 0, ch.Surfaces())
}

func TestNextUnblocksOnClose(t *testing.T) {
	ch := New(nil)
	s := ch.Attach()

	errc := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrSurfaceClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestEachRequestDeliveredOnce(t *testing.T) {
	ch := New(nil)
	a := ch.Attach()
	b := ch.Attach()
	defer a.Close()
	defer b.Close()

	_, err := ch.Publish(context.Background(), testutil.Leaf(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	got := make(chan error, 2)
	for _, s := range []*Surface{a, b} {
		go func(s *Surface) {
			_, err := s.Next(ctx)
			got <- err
		}(s)
	}

	delivered, timedOut := 0, 0
	for i := 0; i < 2; i++ {
		if err := <-got; err == nil {
			delivered++
		} else {
			timedOut++
		}
	}
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, timedOut)
}

func TestPublishWithDoneContext(t *testing.T) {
	ch := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ch.Publish(ctx, testutil.Leaf(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ch.Outstanding())
}
