package useragent

import "testing"

func TestPool_Random(t *testing.T) {
	p := New()
	if p.Len() != len(defaultAgents) {
		t.Fatalf("expected the built-in list, got %d agents", p.Len())
	}
	known := map[string]bool{}
	for _, a := range defaultAgents {
		known[a] = true
	}
	for i := 0; i < 50; i++ {
		if ua := p.Random(); !known[ua] {
			t.Fatalf("Random returned an unknown agent %q", ua)
		}
	}
}

func TestPool_Add(t *testing.T) {
	p := New("a")
	p.Add("b")
	p.Add("b")
	p.Add("")
	if p.Len() != 2 {
		t.Errorf("expected 2 agents after adding a duplicate and an empty string, got %d", p.Len())
	}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[p.Random()] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("both agents should be picked eventually, saw %v", seen)
	}
}
