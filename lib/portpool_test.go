package lib

import "testing"

func TestPortPoolAllocatesWholeRange(t *testing.T) {
	pool := newPortPool(50000, 50009)

	seen := make(map[uint16]bool)
	for i := 0; i < 10; i++ {
		port, err := pool.allocate(nil)
		if err != nil {
			t.Fatalf("allocate %d: %v", i+1, err)
		}
		if port < 50000 || port > 50009 {
			t.Fatalf("port %d outside range", port)
		}
		if seen[port] {
			t.Fatalf("port %d handed out twice", port)
		}
		seen[port] = true
	}

	if _, err := pool.allocate(nil); err != ErrPortsExhausted {
		t.Fatalf("allocate from empty pool = %v, want ErrPortsExhausted", err)
	}
}

func TestPortPoolVetoPushesBack(t *testing.T) {
	pool := newPortPool(50000, 50001)

	first, err := pool.allocate(nil)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	second, err := pool.allocate(func(p uint16) bool { return false })
	if err != nil {
		t.Fatalf("allocate with permissive veto: %v", err)
	}
	if first == second {
		t.Fatalf("pool handed out %d twice", first)
	}

	// Vetoing everything exhausts the attempts but keeps the ports.
	if err := pool.release(second); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := pool.allocate(func(p uint16) bool { return true }); err != ErrPortsExhausted {
		t.Fatalf("allocate with total veto = %v, want ErrPortsExhausted", err)
	}
	if port, err := pool.allocate(nil); err != nil || port != second {
		t.Fatalf("vetoed port lost: got %d, %v", port, err)
	}
}

func TestPortPoolReleaseValidation(t *testing.T) {
	pool := newPortPool(50000, 50001)

	if err := pool.release(40000); err == nil {
		t.Error("released a port outside the pool range")
	}
	if err := pool.release(50000); err == nil {
		t.Error("released a port that was never allocated")
	}

	port, err := pool.allocate(nil)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := pool.release(port); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := pool.release(port); err == nil {
		t.Error("double release went unnoticed")
	}
}
