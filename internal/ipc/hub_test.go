/**
 * CONTEXT:   Tests for bounded per-subscriber fan-out and overflow behavior
 * INPUT:     Synchronous Publish calls against Hub subscribers of varying buffer sizes
 * OUTPUT:    Assertions on delivery, topic filtering, and the drop-sentinel overflow path
 * BUSINESS:  A publisher that ever blocks on a slow subscriber would stall the Supervisor's sweep
 * CHANGE:    New test suite for a new component (no teacher equivalent)
 * RISK:      Medium - covers spec.md §4.6's backpressure contract
 */
package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SubscribeAndPublish_DeliversOnlyToMatchingTopic(t *testing.T) {
	h := NewHub(4)
	ch, unsub := h.Subscribe([]string{TopicSessions})
	defer unsub()

	h.Publish(TopicSessions, "hello")
	h.Publish(TopicShells, "ignored")

	select {
	case n := <-ch:
		assert.Equal(t, TopicSessions, n.Topic)
		assert.Equal(t, "hello", n.Data)
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
	}

	select {
	case n := <-ch:
		t.Fatalf("unexpected second notification: %+v", n)
	default:
	}
}

func TestHub_Publish_SeqIncrementsPerTopicIndependently(t *testing.T) {
	h := NewHub(4)
	ch, unsub := h.Subscribe([]string{TopicSessions, TopicShells})
	defer unsub()

	h.Publish(TopicSessions, 1)
	h.Publish(TopicShells, 2)
	h.Publish(TopicSessions, 3)

	var seqs []int64
	for i := 0; i < 3; i++ {
		select {
		case n := <-ch:
			seqs = append(seqs, n.Seq)
		case <-time.After(time.Second):
			t.Fatal("missing notification")
		}
	}
	assert.Equal(t, []int64{1, 1, 2}, seqs, "sessions seq 1, shells seq 1, sessions seq 2")
}

func TestHub_Publish_OverflowReplacesBacklogWithSentinel(t *testing.T) {
	h := NewHub(2)
	ch, unsub := h.Subscribe([]string{TopicSessions})
	defer unsub()

	for i := 0; i < 10; i++ {
		h.Publish(TopicSessions, i)
	}

	var first Notification
	drained := 0
	for {
		select {
		case n := <-ch:
			if drained == 0 {
				first = n
			}
			drained++
		default:
			goto done
		}
	}
done:
	require.Greater(t, drained, 0)
	assert.Equal(t, droppedSentinel, first.Data, "the backlog must be replaced by the drop sentinel, read first")
}

func TestHub_Unsubscribe_StopsFurtherDelivery(t *testing.T) {
	h := NewHub(4)
	ch, unsub := h.Subscribe([]string{TopicSessions})
	unsub()

	h.Publish(TopicSessions, "after-unsubscribe")

	select {
	case n, ok := <-ch:
		if ok {
			t.Fatalf("unexpected notification after unsubscribe: %+v", n)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_MultipleSubscribersEachReceiveIndependently(t *testing.T) {
	h := NewHub(4)
	ch1, unsub1 := h.Subscribe([]string{TopicSessions})
	defer unsub1()
	ch2, unsub2 := h.Subscribe([]string{TopicSessions})
	defer unsub2()

	h.Publish(TopicSessions, "broadcast")

	for _, ch := range []<-chan Notification{ch1, ch2} {
		select {
		case n := <-ch:
			assert.Equal(t, "broadcast", n.Data)
		case <-time.After(time.Second):
			t.Fatal("expected delivery to every subscriber")
		}
	}
}
