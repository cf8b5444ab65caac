package training

import "testing"

func TestOneHot(t *testing.T) {
	out, err := OneHot([]int32{0, 2, 1}, 3)
	if err != nil {
		t.Fatalf("one-hot failed: %v", err)
	}

	expected := []float32{
		1, 0, 0,
		0, 0, 1,
		0, 1, 0,
	}
	if len(out) != len(expected) {
		t.Fatalf("got %d elements, want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Errorf("element %d = %f, want %f", i, out[i], expected[i])
		}
	}
}

func TestOneHotRejectsBadLabels(t *testing.T) {
	if _, err := OneHot([]int32{3}, 3); err == nil {
		t.Error("expected error for out-of-range label")
	}
	if _, err := OneHot([]int32{-1}, 3); err == nil {
		t.Error("expected error for negative label")
	}
	if _, err := OneHot(nil, 0); err == nil {
		t.Error("expected error for zero class count")
	}
}

func TestArgmax(t *testing.T) {
	probs := []float32{
		0.1, 0.7, 0.2,
		0.5, 0.3, 0.2,
		0.2, 0.2, 0.6,
	}
	preds, err := Argmax(probs, 3, 3)
	if err != nil {
		t.Fatalf("argmax failed: %v", err)
	}
	want := []int32{1, 0, 2}
	for i := range want {
		if preds[i] != want[i] {
			t.Errorf("sample %d predicted %d, want %d", i, preds[i], want[i])
		}
	}

	if _, err := Argmax(probs, 2, 3); err == nil {
		t.Error("expected error for mismatched sizes")
	}
}

func TestCountCorrect(t *testing.T) {
	probs := []float32{
		0.9, 0.1,
		0.4, 0.6,
		0.8, 0.2,
	}
	correct, err := CountCorrect(probs, []int32{0, 1, 1}, 3, 2)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if correct != 2 {
		t.Errorf("correct = %d, want 2", correct)
	}
}
