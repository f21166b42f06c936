package entity_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"ikedadada/go-onion/internal/domain/entity"
	vo "ikedadada/go-onion/internal/domain/value_object"
)

func TestStream_SendWindowBlocksAndReplenishes(t *testing.T) {
	st := entity.NewStream(1)
	ctx := context.Background()
	for i := 0; i < entity.StreamWindowInit; i++ {
		if err := st.ConsumeSendWindow(ctx); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}

	// Window exhausted: the next consume must suspend until a SENDME.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := st.ConsumeSendWindow(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("exhausted window should block, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- st.ConsumeSendWindow(ctx) }()
	st.ReplenishSendWindow(entity.SendmeIncrement)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("consume after replenish: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("replenish did not wake the sender")
	}
}

func TestStream_ConsumeOnClosedStream(t *testing.T) {
	st := entity.NewStream(2)
	st.Reset(vo.ErrStreamReset)
	if err := st.ConsumeSendWindow(context.Background()); !errors.Is(err, vo.ErrStreamReset) {
		t.Fatalf("want stream reset, got %v", err)
	}
}

func TestStream_NoteDeliveredEarnsSendme(t *testing.T) {
	st := entity.NewStream(3)
	for i := 1; i < entity.SendmeIncrement; i++ {
		if st.NoteDelivered() {
			t.Fatalf("sendme earned early at frame %d", i)
		}
	}
	if !st.NoteDelivered() {
		t.Fatalf("frame %d should earn a sendme", entity.SendmeIncrement)
	}
	// Counter restarts after each grant.
	if st.NoteDelivered() {
		t.Fatalf("counter must reset after a sendme")
	}
}

func TestStream_PushDataOverflow(t *testing.T) {
	st := entity.NewStream(4)
	for i := 0; i < entity.StreamWindowInit; i++ {
		if !st.PushData([]byte{byte(i)}) {
			t.Fatalf("push %d rejected below the buffer limit", i)
		}
	}
	if st.PushData([]byte{0xFF}) {
		t.Fatalf("push beyond the window buffer should be dropped")
	}
}

func TestStream_ReadAllDrainsQueuedDataAfterEnd(t *testing.T) {
	st := entity.NewStream(5)
	st.MarkOpen()
	st.PushData([]byte("part one "))
	st.PushData([]byte("part two"))
	st.FinishRemote(nil)

	out, err := st.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if !bytes.Equal(out, []byte("part one part two")) {
		t.Fatalf("unexpected data: %q", out)
	}
}

func TestStream_ReadAllSurfacesReset(t *testing.T) {
	st := entity.NewStream(6)
	st.MarkOpen()
	st.PushData([]byte("partial"))
	st.Reset(vo.ErrStreamReset)

	out, err := st.ReadAll(context.Background())
	if !errors.Is(err, vo.ErrStreamReset) {
		t.Fatalf("want stream reset, got %v", err)
	}
	if !bytes.Equal(out, []byte("partial")) {
		t.Fatalf("partial data should still be delivered, got %q", out)
	}
}
