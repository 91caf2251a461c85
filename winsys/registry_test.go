package winsys

import (
	"errors"
	"slices"
	"testing"
)

// stubWinsys is the minimal Winsys used to exercise the registry.
type stubWinsys struct{ Winsys }

func TestRegisterAndGet(t *testing.T) {
	Register("stub", func() (Winsys, error) { return &stubWinsys{}, nil })
	t.Cleanup(func() { Unregister("stub") })

	ws, err := Get("stub")
	if err != nil || ws == nil {
		t.Fatalf("Get(stub) = %v, %v after Register", ws, err)
	}
	if _, err := Get("no-such-winsys"); !errors.Is(err, ErrNoDev) {
		t.Errorf("Get(unregistered) = %v, want ErrNoDev", err)
	}
}

func TestGetFactoryFailure(t *testing.T) {
	unavailable := errors.New("unavailable")
	Register("broken", func() (Winsys, error) { return nil, unavailable })
	t.Cleanup(func() { Unregister("broken") })

	if _, err := Get("broken"); !errors.Is(err, unavailable) {
		t.Errorf("Get(broken) = %v, want wrapped factory error", err)
	}
}

func TestDefaultSkipsUnavailable(t *testing.T) {
	Register("zz-broken", func() (Winsys, error) { return nil, errors.New("unavailable") })
	Register("zz-good", func() (Winsys, error) { return &stubWinsys{}, nil })
	t.Cleanup(func() {
		Unregister("zz-broken")
		Unregister("zz-good")
	})

	ws, err := Default()
	if err != nil || ws == nil {
		t.Fatalf("Default() = %v, %v with an available winsys registered", ws, err)
	}
}

func TestUnregisterRemovesFromOrder(t *testing.T) {
	Register("zz-temp", func() (Winsys, error) { return &stubWinsys{}, nil })
	if !slices.Contains(Available(), "zz-temp") {
		t.Fatal("Available() missing registered name")
	}
	Unregister("zz-temp")
	if slices.Contains(Available(), "zz-temp") {
		t.Error("Available() still lists unregistered name")
	}
}

func TestErrnoSentinels(t *testing.T) {
	wrapped := errors.Join(ErrNoMem)
	if !errors.Is(wrapped, ErrNoMem) {
		t.Error("ErrNoMem does not survive wrapping")
	}
	for _, err := range []error{ErrNoMem, ErrInval, ErrBusy, ErrBadHandle, ErrDeviceLost} {
		if err.Error() == "" {
			t.Error("sentinel error with empty message")
		}
	}
}
