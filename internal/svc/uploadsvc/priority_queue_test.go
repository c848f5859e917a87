package uploadsvc_test

import (
	"errors"
	"testing"
	"time"

	"github.com/mkrupp/imgqueue/internal/domain"
	"github.com/mkrupp/imgqueue/internal/svc/uploadsvc"
)

func descriptor(name string, size int64) *domain.UploadDescriptor {
	return &domain.UploadDescriptor{
		OriginalFilename: name,
		ContentType:      "image/jpeg",
		FileSize:         size,
		TempPath:         "",
		ClientIP:         "127.0.0.1",
		ClientSocket:     nil,
		ArrivalSeq:       0,
	}
}

func TestPriorityQueueOrdersBySizeThenArrival(t *testing.T) {
	q := uploadsvc.NewPriorityQueue()

	items := []*domain.UploadDescriptor{
		descriptor("c.jpg", 300),
		descriptor("a.jpg", 100),
		descriptor("b.jpg", 100),
		descriptor("d.jpg", 200),
	}

	for _, item := range items {
		if err := q.Enqueue(item); err != nil {
			t.Fatalf("Enqueue(%s): %v", item.OriginalFilename, err)
		}
	}

	wantOrder := []string{"a.jpg", "b.jpg", "d.jpg", "c.jpg"}

	for _, want := range wantOrder {
		got, err := q.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}

		if got.OriginalFilename != want {
			t.Fatalf("Dequeue order: want %s, got %s", want, got.OriginalFilename)
		}
	}
}

func TestPriorityQueueAssignsArrivalSeq(t *testing.T) {
	q := uploadsvc.NewPriorityQueue()

	first := descriptor("first.jpg", 50)
	second := descriptor("second.jpg", 50)

	if err := q.Enqueue(first); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}

	if err := q.Enqueue(second); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}

	if first.ArrivalSeq == 0 || second.ArrivalSeq == 0 {
		t.Fatalf("expected non-zero arrival sequences, got %d and %d", first.ArrivalSeq, second.ArrivalSeq)
	}

	if first.ArrivalSeq >= second.ArrivalSeq {
		t.Fatalf("expected first.ArrivalSeq < second.ArrivalSeq, got %d >= %d", first.ArrivalSeq, second.ArrivalSeq)
	}
}

func TestPriorityQueueShutdownDrainsRemainingItems(t *testing.T) {
	q := uploadsvc.NewPriorityQueue()

	if err := q.Enqueue(descriptor("pending.jpg", 10)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	q.Shutdown()

	if q.Active() {
		t.Fatal("expected queue inactive after Shutdown")
	}

	item, err := q.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue after shutdown should drain pending item, got error: %v", err)
	}

	if item.OriginalFilename != "pending.jpg" {
		t.Fatalf("expected drained item pending.jpg, got %s", item.OriginalFilename)
	}

	if _, err := q.Dequeue(); !errors.Is(err, uploadsvc.ErrQueueShutdown) {
		t.Fatalf("expected ErrQueueShutdown once drained, got %v", err)
	}
}

func TestPriorityQueueEnqueueAfterShutdownFails(t *testing.T) {
	q := uploadsvc.NewPriorityQueue()
	q.Shutdown()

	if err := q.Enqueue(descriptor("late.jpg", 10)); !errors.Is(err, uploadsvc.ErrQueueShutdown) {
		t.Fatalf("expected ErrQueueShutdown, got %v", err)
	}
}

func TestPriorityQueueEnqueueTimesOutWhenFull(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping EnqueueTimeout-bound test in short mode")
	}

	q := uploadsvc.NewPriorityQueue()

	for i := range uploadsvc.QueueCapacity {
		if err := q.Enqueue(descriptor("fill.jpg", int64(i))); err != nil {
			t.Fatalf("Enqueue fill item %d: %v", i, err)
		}
	}

	if !q.IsFull() {
		t.Fatal("expected queue to report full at capacity")
	}

	if _, err := q.Dequeue(); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if q.IsFull() {
		t.Fatal("expected queue to have room after one Dequeue")
	}

	overflow := descriptor("overflow.jpg", 999)

	for i := range uploadsvc.QueueCapacity - 1 {
		if err := q.Enqueue(descriptor("refill.jpg", int64(i))); err != nil {
			t.Fatalf("Enqueue refill item %d: %v", i, err)
		}
	}

	begin := time.Now()

	if err := q.Enqueue(overflow); !errors.Is(err, uploadsvc.ErrQueueBusy) {
		t.Fatalf("expected ErrQueueBusy on a full, never-drained queue, got %v", err)
	}

	if elapsed := time.Since(begin); elapsed < uploadsvc.EnqueueTimeout {
		t.Fatalf("expected Enqueue to block for roughly EnqueueTimeout, only waited %s", elapsed)
	}
}
