package dissem

import (
	"testing"

	"github.com/raptrnet/raptr/src/bft"
)

func TestInmemPrepareBlock(t *testing.T) {
	d := NewInmemDissem(0, 4, nil)

	payload, err := d.PrepareBlock(1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload.SubBlocks) != 4 {
		t.Fatalf("expected 4 sub-blocks, got %d", len(payload.SubBlocks))
	}

	seen := map[bft.BatchRef]bool{}
	for _, sb := range payload.SubBlocks {
		if len(sb.Batches) != 1 {
			t.Fatalf("expected 1 batch per sub-block, got %d", len(sb.Batches))
		}
		ref := sb.Batches[0]
		if ref.Author != 0 {
			t.Fatalf("wrong batch author: %d", ref.Author)
		}
		if seen[ref] {
			t.Fatalf("duplicate batch %v", ref)
		}
		seen[ref] = true
	}

	// batches never repeat across rounds
	next, err := d.PrepareBlock(2, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, sb := range next.SubBlocks {
		for _, ref := range sb.Batches {
			if seen[ref] {
				t.Fatalf("batch %v re-proposed", ref)
			}
		}
	}
}

func TestInmemAvailability(t *testing.T) {
	d := NewInmemDissem(0, 4, nil)

	payload, err := d.PrepareBlock(1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	prefix, missing := d.AvailablePrefix(payload, 4)
	if prefix != 4 || len(missing) != 0 {
		t.Fatalf("in-memory payloads should always be fully available")
	}
	complete, _ := d.CheckPayload(payload)
	if !complete {
		t.Fatalf("in-memory payloads should always be complete")
	}

	// NotifyProposal immediately raises the full-block event
	d.NotifyProposal(1, payload)
	select {
	case ev := <-d.FullBlockCh():
		if ev.Round != 1 {
			t.Fatalf("wrong round in full-block event: %d", ev.Round)
		}
	default:
		t.Fatalf("full-block event was not raised")
	}
}

func TestInmemCommits(t *testing.T) {
	d := NewInmemDissem(0, 4, nil)

	batches := []bft.BatchRef{
		{Author: 1, Digest: "b1"},
		{Author: 2, Digest: "b2"},
	}

	d.SetFirstCommittedBlockTimestamp(42)
	d.SetFirstCommittedBlockTimestamp(43)
	if d.firstCommitTimestamp != 42 {
		t.Fatalf("first commit timestamp should only be set once")
	}

	if err := d.NotifyCommit(Commit{Batches: batches[:1], Timestamp: 42}); err != nil {
		t.Fatal(err)
	}
	if err := d.NotifyCommit(Commit{Batches: batches[1:], Timestamp: 43}); err != nil {
		t.Fatal(err)
	}

	committed := d.Committed()
	if len(committed) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(committed))
	}

	flat := d.CommittedBatches()
	if len(flat) != 2 || flat[0] != batches[0] || flat[1] != batches[1] {
		t.Fatalf("committed batches out of order: %v", flat)
	}
}
