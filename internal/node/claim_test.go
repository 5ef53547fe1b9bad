package node

import (
	"context"
	"testing"
	"time"
)

type fakeDriver struct{}

func (fakeDriver) Read(ctx context.Context) (bool, error)         { return false, nil }
func (fakeDriver) Write(ctx context.Context, value any) error     { return nil }

func TestSymbolOrdering(t *testing.T) {
	root := RootSymbol()
	a := root.Child(0)
	b := root.Child(1)
	aa := a.Child(0)

	if !a.Less(b) {
		t.Fatalf("expected sibling a < b")
	}
	if !a.Less(aa) {
		t.Fatalf("expected ancestor a < descendant aa")
	}
	if aa.Less(a) {
		t.Fatalf("descendant must not be less than ancestor")
	}
	if !root.Less(a) {
		t.Fatalf("root must be less than any child")
	}
}

func TestClaimExclusivityAndOrdering(t *testing.T) {
	n := NewWritable(Info{Path: Path{"valve"}, Writable: true}, fakeDriver{})

	root := RootSymbol()
	low := root.Child(0)
	high := root.Child(1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c1 := n.Claim(low)
	if err := c1.Wait(ctx); err != nil {
		t.Fatalf("c1 should be granted immediately: %v", err)
	}
	if n.GrantedCount() != 1 {
		t.Fatalf("expected exactly one granted claim, got %d", n.GrantedCount())
	}

	c2 := n.Claim(high)

	if err := c1.Lost(ctx); err != nil {
		t.Fatalf("c1 should lose to higher-priority c2: %v", err)
	}
	if err := c2.Wait(ctx); err != nil {
		t.Fatalf("c2 should be granted after preempting c1: %v", err)
	}
	if n.GrantedCount() != 1 {
		t.Fatalf("expected exactly one granted claim after preemption, got %d", n.GrantedCount())
	}

	c2.Destroy()

	if err := c1.Wait(ctx); err != nil {
		t.Fatalf("c1 should be re-granted once c2 releases: %v", err)
	}

	c1.Destroy()
	if n.GrantedCount() != 0 {
		t.Fatalf("expected no granted claims after all destroyed, got %d", n.GrantedCount())
	}
}

func TestClaimWaitRespectsContextCancellation(t *testing.T) {
	n := NewWritable(Info{Path: Path{"valve"}}, fakeDriver{})
	root := RootSymbol()

	holder := n.Claim(root.Child(1))
	ctx := context.Background()
	if err := holder.Wait(ctx); err != nil {
		t.Fatalf("holder should be granted: %v", err)
	}

	pending := n.Claim(root.Child(0))
	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := pending.Wait(cctx); err == nil {
		t.Fatalf("expected pending claim's Wait to time out while holder is granted")
	}
}
