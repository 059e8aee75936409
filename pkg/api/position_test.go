package api

import "testing"

func TestPositionEquality(t *testing.T) {
	a := NewPosition(0, ElseBranch, 0)
	b := NewPosition(0, ElseBranch, 0)
	if !a.Equal(b) {
		t.Fatalf("independently built positions %s and %s should be equal", a, b)
	}

	if NewPosition(0, 1).Equal(NewPosition(0, 2)) {
		t.Fatalf("positions with different elements must not be equal")
	}

	// Shared prefix, different length.
	if NewPosition(0, 1).Equal(NewPosition(0, 1, 0)) {
		t.Fatalf("positions of different length must not be equal")
	}
	if NewPosition(0, 1, 0).Equal(NewPosition(0, 1)) {
		t.Fatalf("equality must be symmetric about length")
	}
}

func TestPositionWithChildDoesNotMutate(t *testing.T) {
	base := NewPosition(1)
	child := base.WithChild(2)
	grandchild := child.WithChild(3)

	// A second descent from the same base must not see the first.
	other := base.WithChild(9)

	if base.Len() != 1 || child.Len() != 2 || grandchild.Len() != 3 {
		t.Fatalf("lengths: base=%d child=%d grandchild=%d", base.Len(), child.Len(), grandchild.Len())
	}
	if other.At(1) != 9 || child.At(1) != 2 {
		t.Fatalf("sibling descent leaked: other=%s child=%s", other, child)
	}
}

func TestPositionPrefixAndParent(t *testing.T) {
	p := NewPosition(2, ElseBranch, 1)

	if !p.HasPrefix(RootPosition()) {
		t.Fatalf("every position descends from the root")
	}
	if !p.HasPrefix(NewPosition(2, ElseBranch)) {
		t.Fatalf("%s should have prefix [2 -1]", p)
	}
	if p.HasPrefix(NewPosition(2, 0)) {
		t.Fatalf("%s should not have prefix [2 0]", p)
	}

	parent, ok := p.Parent()
	if !ok || !parent.Equal(NewPosition(2, ElseBranch)) {
		t.Fatalf("parent of %s = %s, ok=%v", p, parent, ok)
	}
	if _, ok := RootPosition().Parent(); ok {
		t.Fatalf("root has no parent")
	}
}

func TestPositionKeyRoundTrip(t *testing.T) {
	for _, p := range []Position{
		RootPosition(),
		NewPosition(0),
		NewPosition(3, ElseBranch, 0, 12),
	} {
		parsed, err := ParsePosition(p.Key())
		if err != nil {
			t.Fatalf("parse %q: %v", p.Key(), err)
		}
		if !parsed.Equal(p) {
			t.Fatalf("round trip of %s produced %s", p, parsed)
		}
	}

	if _, err := ParsePosition("0.x.2"); err == nil {
		t.Fatalf("malformed key should not parse")
	}
}

func TestPositionAsMapKey(t *testing.T) {
	seen := map[string]int{}
	seen[NewPosition(0, 1).Key()]++
	seen[NewPosition(0, 1).Key()]++
	seen[NewPosition(0, 2).Key()]++

	if seen[NewPosition(0, 1).Key()] != 2 || seen[NewPosition(0, 2).Key()] != 1 {
		t.Fatalf("key collision or miss: %v", seen)
	}
}
