package tensor

import (
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestByteSize(t *testing.T) {
	if got := ByteSize(F32, Shape{2, 3}); got != 24 {
		t.Errorf("ByteSize(F32, [2 3]) = %d, want 24", got)
	}
	if got := ByteSize(F16, Shape{4}); got != 8 {
		t.Errorf("ByteSize(F16, [4]) = %d, want 8", got)
	}
	if DType("F128").Valid() {
		t.Errorf("unknown dtype must not be valid")
	}
}

func TestSliceRowsSharesBuffer(t *testing.T) {
	tt := New(U8, Shape{4, 2})
	copy(tt.Bytes(), []byte{1, 2, 3, 4, 5, 6, 7, 8})

	view := tt.SliceRows(1, 3)
	if !view.Shape().Equal(Shape{2, 2}) {
		t.Fatalf("view shape = %v, want [2 2]", view.Shape())
	}
	want := []byte{3, 4, 5, 6}
	for i, b := range view.Bytes() {
		if b != want[i] {
			t.Fatalf("view bytes = %v, want %v", view.Bytes(), want)
		}
	}
	// Mutating the view mutates the parent.
	view.Bytes()[0] = 99
	if tt.Bytes()[2] != 99 {
		t.Errorf("SliceRows must alias the parent buffer")
	}
}

func TestCopyFromBounds(t *testing.T) {
	dst := New(U8, Shape{2})
	if err := dst.CopyFrom([]byte{1, 2, 3}); status.Code(err) != codes.OutOfRange {
		t.Errorf("oversized copy: err = %v, want OutOfRange", err)
	}
	if err := dst.CopyFrom([]byte{7}); err != nil {
		t.Errorf("prefix copy: %v", err)
	}
	if dst.Bytes()[0] != 7 {
		t.Errorf("copy did not land")
	}
}

func TestNewFromBytesValidatesSize(t *testing.T) {
	if _, err := NewFromBytes(F32, Shape{2}, make([]byte, 7)); status.Code(err) != codes.InvalidArgument {
		t.Errorf("size mismatch: err = %v, want InvalidArgument", err)
	}
	if _, err := NewFromBytes(F32, Shape{2}, make([]byte, 8)); err != nil {
		t.Errorf("exact size: %v", err)
	}
}

func TestZero(t *testing.T) {
	tt := New(U8, Shape{3})
	copy(tt.Bytes(), []byte{1, 2, 3})
	tt.Zero()
	for _, b := range tt.Bytes() {
		if b != 0 {
			t.Fatalf("Zero left %v", tt.Bytes())
		}
	}
}
