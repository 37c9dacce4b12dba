package errors

import (
	"errors"
	"testing"
)

func TestClassify_PlainError(t *testing.T) {
	class, msg := Classify(errors.New("boom"))
	if msg != "boom" {
		t.Errorf("expected message 'boom', got %q", msg)
	}
	if class == "" {
		t.Errorf("expected a non-empty class")
	}
}

func TestClassify_Nil(t *testing.T) {
	class, msg := Classify(nil)
	if class != "" || msg != "" {
		t.Errorf("expected empty class/message for nil error, got %q/%q", class, msg)
	}
}

type fakeClassifier struct{ class, msg string }

func (f fakeClassifier) Error() string { return f.msg }
func (f fakeClassifier) Class() string { return f.class }

func TestClassify_HonoursClassifier(t *testing.T) {
	class, msg := Classify(fakeClassifier{class: "RuntimeError", msg: "boom"})
	if class != "RuntimeError" {
		t.Errorf("expected class 'RuntimeError', got %q", class)
	}
	if msg != "boom" {
		t.Errorf("expected message 'boom', got %q", msg)
	}
}

func TestClassify_PanicError(t *testing.T) {
	var caught error
	func() {
		defer Recover(func(err error) { caught = err })
		panic("kaboom")
	}()
	if caught == nil {
		t.Fatal("expected Recover to catch the panic")
	}
	class, msg := Classify(caught)
	if class != "string" {
		t.Errorf("expected class 'string' for a string panic value, got %q", class)
	}
	if msg == "" {
		t.Errorf("expected non-empty message")
	}
}

func TestRecover_NoOpWithoutPanic(t *testing.T) {
	called := false
	func() {
		defer Recover(func(err error) { called = true })
	}()
	if called {
		t.Errorf("expected onPanic not to run without a panic")
	}
}
