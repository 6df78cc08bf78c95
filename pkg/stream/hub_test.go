// SPDX-License-Identifier: GPL-2.0-or-later

package stream

import (
	"encoding/binary"
	"testing"

	"camproxy/pkg/log"

	"github.com/stretchr/testify/require"
)

func discardLogf(log.Level, string, ...interface{}) {}

// testBox returns a box with the given type and payload size.
func testBox(typ string, payloadSize int) []byte {
	b := make([]byte, 8+payloadSize)
	binary.BigEndian.PutUint32(b, uint32(len(b)))
	copy(b[4:8], typ)
	return b
}

func drain(sub *Subscriber) [][]byte {
	var boxes [][]byte
	for {
		select {
		case box := <-sub.Feed():
			boxes = append(boxes, box)
		default:
			return boxes
		}
	}
}

func TestHub(t *testing.T) {
	init1 := append(testBox("ftyp", 16), testBox("moov", 100)...)
	moof := testBox("moof", 50)
	mdat := testBox("mdat", 200)

	t.Run("initBeforeMedia", func(t *testing.T) {
		hub := NewHub(discardLogf)
		sub := NewSubscriber("CAM1")

		hub.Subscribe(sub)

		// Media before init is never delivered.
		hub.Broadcast(moof)
		require.Empty(t, drain(sub))

		hub.SetInit(init1)
		hub.Broadcast(moof)
		hub.Broadcast(mdat)

		require.Equal(t, [][]byte{init1, moof, mdat}, drain(sub))
	})
	t.Run("joinAtFragmentBoundary", func(t *testing.T) {
		hub := NewHub(discardLogf)
		hub.SetInit(init1)

		// Join mid-fragment: the pending mdat belongs to a moof
		// the subscriber never saw and is skipped.
		sub := NewSubscriber("CAM1")
		hub.Subscribe(sub)
		hub.Broadcast(mdat)
		hub.Broadcast(moof)
		hub.Broadcast(mdat)

		require.Equal(t, [][]byte{init1, moof, mdat}, drain(sub))
	})
	t.Run("fanOutSameOrder", func(t *testing.T) {
		hub := NewHub(discardLogf)
		a := NewSubscriber("CAM1")
		b := NewSubscriber("CAM1")

		hub.Subscribe(a)
		hub.SetInit(init1)
		hub.Subscribe(b)

		hub.Broadcast(moof)
		hub.Broadcast(mdat)

		require.Equal(t, [][]byte{init1, moof, mdat}, drain(a))
		require.Equal(t, [][]byte{init1, moof, mdat}, drain(b))
	})
	t.Run("resetInit", func(t *testing.T) {
		hub := NewHub(discardLogf)
		sub := NewSubscriber("CAM1")

		hub.Subscribe(sub)
		hub.SetInit(init1)
		hub.Broadcast(moof)

		hub.ResetInit()
		require.False(t, hub.HasInit())

		// No media until the next session's init arrives.
		hub.Broadcast(mdat)

		init2 := append(testBox("ftyp", 16), testBox("moov", 50)...)
		hub.SetInit(init2)
		hub.Broadcast(moof)

		require.Equal(t, [][]byte{init1, moof, init2, moof}, drain(sub))
	})
	t.Run("unsubscribe", func(t *testing.T) {
		hub := NewHub(discardLogf)
		sub := NewSubscriber("CAM1")

		hub.Subscribe(sub)
		require.Equal(t, 1, hub.Count())

		hub.Unsubscribe(sub)
		require.Equal(t, 0, hub.Count())

		select {
		case <-sub.Done():
		default:
			t.Fatal("done not closed")
		}
	})
	t.Run("slowSubscriberDropped", func(t *testing.T) {
		hub := NewHub(discardLogf)
		sub := NewSubscriber("CAM1")

		hub.Subscribe(sub)
		hub.SetInit(init1)

		for i := 0; i < subscriberQueueSize+1; i++ {
			hub.Broadcast(moof)
		}

		select {
		case <-sub.Done():
		default:
			t.Fatal("slow subscriber not dropped")
		}

		// Dropped subscribers receive nothing further.
		hub.Broadcast(mdat)
		boxes := drain(sub)
		require.Len(t, boxes, subscriberQueueSize)
	})
	t.Run("detachAll", func(t *testing.T) {
		hub := NewHub(discardLogf)
		a := NewSubscriber("CAM1")
		b := NewSubscriber("CAM1")
		hub.Subscribe(a)
		hub.Subscribe(b)

		hub.DetachAll()
		require.Equal(t, 0, hub.Count())

		<-a.Done()
		<-b.Done()
	})
}
