package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/astromechza/clipsync/pkg/protocol"
)

type fakeConn struct {
	id   string
	fail error

	lock     sync.Mutex
	received []protocol.Event
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(ev protocol.Event) error {
	if f.fail != nil {
		return f.fail
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.received = append(f.received, ev)
	return nil
}

func (f *fakeConn) events() []protocol.Event {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]protocol.Event(nil), f.received...)
}

func TestBroadcastReachesEveryone(t *testing.T) {
	r := New()
	x, y := &fakeConn{id: "x"}, &fakeConn{id: "y"}
	r.Register(x)
	r.Register(y)

	assert.Equal(t, 2, r.Broadcast("hello", 1))
	assert.Equal(t, []protocol.Event{{Name: "hello", Data: 1}}, x.events())
	assert.Equal(t, []protocol.Event{{Name: "hello", Data: 1}}, y.events())
}

func TestBroadcastExceptSkipsOrigin(t *testing.T) {
	r := New()
	x, y, z := &fakeConn{id: "x"}, &fakeConn{id: "y"}, &fakeConn{id: "z"}
	r.Register(x)
	r.Register(y)
	r.Register(z)

	assert.Equal(t, 2, r.BroadcastExcept("x", "edit", "v"))
	assert.Empty(t, x.events())
	assert.Len(t, y.events(), 1)
	assert.Len(t, z.events(), 1)
}

func TestBroadcastExceptSkipsDuplicateRegistrations(t *testing.T) {
	r := New()
	stale, fresh, other := &fakeConn{id: "x"}, &fakeConn{id: "x"}, &fakeConn{id: "y"}
	r.Register(stale)
	r.Register(fresh)
	r.Register(other)
	assert.Equal(t, 3, r.Len())

	assert.Equal(t, 1, r.BroadcastExcept("x", "edit", "v"))
	assert.Empty(t, stale.events())
	assert.Empty(t, fresh.events())
	assert.Len(t, other.events(), 1)
}

func TestRegisterTwiceAndUnregister(t *testing.T) {
	r := New()
	x := &fakeConn{id: "x"}
	r.Register(x)
	r.Register(x)
	assert.Equal(t, 1, r.Len())
	r.Unregister(x)
	r.Unregister(x)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Broadcast("hello", nil))
	assert.Empty(t, x.events())
}

func TestFailedDeliveryDoesNotStopOthers(t *testing.T) {
	r := New()
	broken := &fakeConn{id: "broken", fail: errors.New("buffer full")}
	ok1, ok2 := &fakeConn{id: "a"}, &fakeConn{id: "b"}
	r.Register(broken)
	r.Register(ok1)
	r.Register(ok2)

	assert.Equal(t, 2, r.BroadcastExcept("nobody", "edit", "v"))
	assert.Len(t, ok1.events(), 1)
	assert.Len(t, ok2.events(), 1)
}

func TestDeliveryError(t *testing.T) {
	cause := errors.New("closed")
	err := &DeliveryError{ConnID: "x", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "failed to deliver to connection x: closed", err.Error())
}

func TestBroadcastWhileMembershipChanges(t *testing.T) {
	r := New()
	wg := new(sync.WaitGroup)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c := &fakeConn{id: fmt.Sprintf("%d-%d", i, j)}
				r.Register(c)
				r.BroadcastExcept(c.id, "edit", j)
				r.Unregister(c)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
