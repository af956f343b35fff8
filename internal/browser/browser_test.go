package browser

import (
	"errors"
	"testing"
)

func TestOpenOrCopy(t *testing.T) {
	origOpen, origClip := openURL, writeClipText
	t.Cleanup(func() { openURL, writeClipText = origOpen, origClip })

	var copied string
	writeClipText = func(text string) error {
		copied = text
		return nil
	}

	openURL = func(string) error { return nil }
	if err := OpenOrCopy("https://passport.example"); err != nil {
		t.Fatalf("open succeeded but got %v", err)
	}
	if copied != "" {
		t.Fatal("clipboard must not be touched when the browser opens")
	}

	browserErr := errors.New("no display")
	openURL = func(string) error { return browserErr }
	err := OpenOrCopy("https://passport.example")
	var fallback *ErrCopiedToClipboard
	if !errors.As(err, &fallback) || !errors.Is(err, browserErr) {
		t.Fatalf("err = %v, want clipboard fallback", err)
	}
	if copied != "https://passport.example" {
		t.Fatalf("copied = %q", copied)
	}

	writeClipText = func(string) error { return errors.New("no clipboard") }
	err = OpenOrCopy("https://passport.example")
	if err == nil || errors.As(err, &fallback) {
		t.Fatalf("err = %v, want hard failure", err)
	}
}
