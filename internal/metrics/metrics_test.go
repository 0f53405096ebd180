package metrics

import "testing"

func TestSnapMirrorsCounters(t *testing.T) {
	before := Snap()
	IncRxFrames()
	IncRxDropped(DropFull)
	IncRxDropped(DropBusy)
	IncTxQueued()
	IncError(ErrTxSend)
	SetQueueDepth(QueueTx, 7)
	SetQueueDepth(QueueRx, 2)
	after := Snap()
	if after.RxFrames != before.RxFrames+1 {
		t.Fatalf("rx frames: %d -> %d", before.RxFrames, after.RxFrames)
	}
	if after.RxDropped != before.RxDropped+2 {
		t.Fatalf("rx dropped: %d -> %d", before.RxDropped, after.RxDropped)
	}
	if after.TxQueued != before.TxQueued+1 || after.Errors != before.Errors+1 {
		t.Fatalf("tx queued/errors not mirrored: %+v", after)
	}
	if after.TxDepth != 7 || after.RxDepth != 2 {
		t.Fatalf("queue depth: tx=%d rx=%d", after.TxDepth, after.RxDepth)
	}
}

func TestReadinessFunc(t *testing.T) {
	defer SetReadinessFunc(nil)
	if !IsReady() {
		t.Fatalf("expected ready when no func registered")
	}
	SetReadinessFunc(func() bool { return false })
	if IsReady() {
		t.Fatalf("expected not ready")
	}
}
