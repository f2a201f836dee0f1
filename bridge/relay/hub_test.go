package relay

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"code.linksmart.eu/dt/serial-bridge/bridge/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	id     string
	broken bool
	// called from Send, before recording
	onSend func()

	mutex    sync.Mutex
	received []string
}

func newFakeSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id}
}

func (s *fakeSubscriber) ID() string    { return s.id }
func (s *fakeSubscriber) Label() string { return "fake-" + s.id }

func (s *fakeSubscriber) Send(message string) error {
	if s.onSend != nil {
		s.onSend()
	}
	if s.broken {
		return errors.New("broken pipe")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.received = append(s.received, message)
	return nil
}

func (s *fakeSubscriber) messages() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.received...)
}

func TestHubBroadcastWithoutSubscribers(t *testing.T) {
	h := NewHub()
	h.Broadcast("LED1_ON")
	assert.Equal(t, 0, h.Count())
}

func TestHubBroadcastReachesAll(t *testing.T) {
	h := NewHub()
	subs := []*fakeSubscriber{newFakeSubscriber("1"), newFakeSubscriber("2"), newFakeSubscriber("3")}
	for _, s := range subs {
		h.Join(s)
	}

	h.Broadcast("LED1_ON")
	h.Broadcast("LED2_OFF")

	for _, s := range subs {
		assert.Equal(t, []string{"LED1_ON", "LED2_OFF"}, s.messages(), s.ID())
	}
	assert.Equal(t, 3, h.Count())
}

func TestHubBroadcastIsolatesFailingSubscriber(t *testing.T) {
	h := NewHub()
	a, b := newFakeSubscriber("a"), newFakeSubscriber("b")
	broken := newFakeSubscriber("broken")
	broken.broken = true
	h.Join(a)
	h.Join(broken)
	h.Join(b)

	h.Broadcast("LED1_ON")

	assert.Equal(t, []string{"LED1_ON"}, a.messages())
	assert.Equal(t, []string{"LED1_ON"}, b.messages())
	assert.Equal(t, 2, h.Count())

	// removed subscriber is not attempted again
	sends := 0
	broken.onSend = func() { sends++ }
	h.Broadcast("LED2_ON")
	assert.Equal(t, 0, sends)
	assert.Equal(t, []string{"LED1_ON", "LED2_ON"}, a.messages())
}

func TestHubLeave(t *testing.T) {
	h := NewHub()
	a, b := newFakeSubscriber("a"), newFakeSubscriber("b")
	h.Join(a)
	h.Join(b)

	h.Leave(a)
	h.Leave(a) // already removed
	h.Leave(newFakeSubscriber("never-joined"))
	h.Broadcast("LED1_ON")

	assert.Empty(t, a.messages())
	assert.Equal(t, []string{"LED1_ON"}, b.messages())
	assert.Equal(t, 1, h.Count())
}

func TestHubJoinDuringBroadcast(t *testing.T) {
	h := NewHub()
	late := newFakeSubscriber("late")
	a := newFakeSubscriber("a")
	a.onSend = func() {
		h.Join(late)
	}
	h.Join(a)

	h.Broadcast("first")
	assert.Empty(t, late.messages(), "joined after the snapshot")

	a.onSend = nil
	h.Broadcast("second")
	assert.Equal(t, []string{"second"}, late.messages())
	assert.Equal(t, []string{"first", "second"}, a.messages())
}

func TestHubConcurrentMembership(t *testing.T) {
	h := NewHub()
	stable := newFakeSubscriber("stable")
	h.Join(stable)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s := newFakeSubscriber(fmt.Sprintf("%d-%d", i, j))
				h.Join(s)
				h.Leave(s)
			}
		}(i)
	}
	for i := 0; i < 50; i++ {
		h.Broadcast(fmt.Sprint(i))
	}
	wg.Wait()

	require.Len(t, stable.messages(), 50)
	assert.Equal(t, 1, h.Count())
}

func TestHubReportsMembershipChanges(t *testing.T) {
	h := NewHub()
	var changes []model.SubscribersStatus
	h.onChange = func(s model.SubscribersStatus) {
		changes = append(changes, s)
	}
	a := newFakeSubscriber("a")
	h.Join(a)
	h.Leave(a)
	h.Leave(a)

	require.Len(t, changes, 2)
	assert.Equal(t, model.SubscribersStatus{ID: "a", Label: "fake-a", Joined: true, Total: 1}, changes[0])
	assert.Equal(t, model.SubscribersStatus{ID: "a", Label: "fake-a", Joined: false, Total: 0}, changes[1])
}
