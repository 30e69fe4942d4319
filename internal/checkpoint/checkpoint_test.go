package checkpoint

import "testing"

func TestCompareOrdersByTimestampFirst(t *testing.T) {
	// Scenario S3 from spec.md: chain 1 @ t=1000, chain 2 @ t=999, chain 1 @ t=1001.
	chain2At999 := Checkpoint{ChainID: 2, BlockTimestamp: 999, BlockNumber: 50}
	chain1At1000 := Checkpoint{ChainID: 1, BlockTimestamp: 1000, BlockNumber: 100}
	chain1At1001 := Checkpoint{ChainID: 1, BlockTimestamp: 1001, BlockNumber: 101}

	if !chain2At999.Less(chain1At1000) {
		t.Fatalf("expected chain2@999 before chain1@1000")
	}
	if !chain1At1000.Less(chain1At1001) {
		t.Fatalf("expected chain1@1000 before chain1@1001")
	}
	if chain1At1001.Less(chain2At999) {
		t.Fatalf("expected chain1@1001 not before chain2@999")
	}
}

func TestCompareTieBreaksOnChainIDThenBlockThenTxThenEvent(t *testing.T) {
	base := Checkpoint{ChainID: 1, BlockTimestamp: 100, BlockNumber: 10, TransactionIndex: 2, EventIndex: 3}

	higherChain := base
	higherChain.ChainID = 2
	if !base.Less(higherChain) {
		t.Fatalf("expected lower chain id to sort first at equal timestamp")
	}

	higherBlock := base
	higherBlock.BlockNumber = 11
	if !base.Less(higherBlock) {
		t.Fatalf("expected lower block number to sort first")
	}

	higherTx := base
	higherTx.TransactionIndex = 3
	if !base.Less(higherTx) {
		t.Fatalf("expected lower tx index to sort first")
	}

	higherEvent := base
	higherEvent.EventIndex = 4
	if !base.Less(higherEvent) {
		t.Fatalf("expected lower event index to sort first")
	}

	if base.Compare(base) != 0 {
		t.Fatalf("expected equal checkpoints to compare 0")
	}
}

func TestStringEncodingPreservesOrder(t *testing.T) {
	a := Checkpoint{ChainID: 1, BlockTimestamp: 5, BlockNumber: 1}
	b := Checkpoint{ChainID: 1, BlockTimestamp: 10, BlockNumber: 1}

	if !(a.String() < b.String()) {
		t.Fatalf("expected string encoding of %v to sort before %v", a, b)
	}
}

func TestMinMax(t *testing.T) {
	a := Checkpoint{BlockTimestamp: 5}
	b := Checkpoint{BlockTimestamp: 10}

	if Min(a, b) != a {
		t.Fatalf("expected Min to return a")
	}
	if Max(a, b) != b {
		t.Fatalf("expected Max to return b")
	}
}
