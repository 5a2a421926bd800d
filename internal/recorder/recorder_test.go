package recorder

import (
	"errors"
	"os"
	"testing"
	"time"
)

func fakeClock() func() time.Time {
	t := time.UnixMilli(1700000000000)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestRecorderRotation(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, 3)
	if err != nil {
		t.Fatal(err)
	}
	r.now = fakeClock()

	for i := 0; i < 5; i++ {
		if _, err := r.Start("sess"); err != nil {
			t.Fatal(err)
		}
		if err := r.Record("url_change", "sess", map[string]string{"new_url": "https://a/"}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond) // distinct mod times
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 files, got %d", len(entries))
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRecorderKeepsOpenTraces(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	r.now = fakeClock()
	defer r.Close()

	pathA, err := r.Start("a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start("b"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start("c"); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(pathA); err != nil {
		t.Errorf("open trace for a was rotated away: %v", err)
	}
}

func TestRecorderRecordAndRead(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	r.now = fakeClock()

	path, err := r.Start("session/1")
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := r.Path("session/1"); !ok || got != path {
		t.Errorf("Path = %q, %v", got, ok)
	}

	if err := r.Record("manual_intervention", "session/1", map[string]interface{}{"dialog_type": "captcha"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Record("url_change", "session/1", map[string]string{"old_url": "a", "new_url": "b"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop("session/1"); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadTrace(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != "manual_intervention" || entries[0].SessionID != "session/1" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if string(entries[1].Data) != `{"new_url":"b","old_url":"a"}` {
		t.Errorf("unexpected data: %s", entries[1].Data)
	}
}

func TestRecorderNotStarted(t *testing.T) {
	r, err := NewRecorder(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Record("url_change", "missing", nil); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	if err := r.Stop("missing"); err != nil {
		t.Errorf("Stop of unknown session: %v", err)
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitize("a/b c:1"); got != "a_b_c_1" {
		t.Errorf("sanitize = %q", got)
	}
}
