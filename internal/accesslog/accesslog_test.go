package accesslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestWriter_LineFormat verifies the exact shape of one log line
func TestWriter_LineFormat(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "access.log")
	w, err := New(fname, false)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	w.now = func() time.Time {
		return time.Date(2026, 3, 7, 9, 5, 2, 0, time.Local)
	}

	w.Write(Entry{
		RemoteAddr: "192.168.10.7",
		Method:     "GET",
		URI:        "/index.html",
		Protocol:   "HTTP/1.1",
		UserAgent:  "curl/8.0",
		Status:     200,
		ContentLen: 1234,
		Elapsed:    1500 * time.Microsecond,
	})
	w.Close()

	data, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	want := "192.168.10.7 [2026/03/07 09:05:02] \"GET /index.html HTTP/1.1\" \"curl/8.0\" 200 1234 1500\n"
	if string(data) != want {
		t.Errorf("log line mismatch:\nexpected %q\ngot      %q", want, string(data))
	}
}

// TestWriter_ForwardedForPreferred verifies the first X-Forwarded-For address wins
func TestWriter_ForwardedForPreferred(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "access.log")
	w, err := New(fname, false)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	w.Write(Entry{
		RemoteAddr:   "10.0.0.1",
		ForwardedFor: "172.16.1.1, 192.168.1.1",
		Method:       "GET",
		URI:          "/",
		Protocol:     "HTTP/1.1",
		Status:       200,
	})
	w.Close()

	data, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.HasPrefix(string(data), "172.16.1.1 [") {
		t.Errorf("expected line to start with forwarded address, got %q", string(data))
	}
	if strings.Contains(string(data), "10.0.0.1") {
		t.Error("peer address should not be logged when X-Forwarded-For is present")
	}
}

// TestWriter_ForwardedForOversized verifies absurd header values become "unknown"
func TestWriter_ForwardedForOversized(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "access.log")
	w, err := New(fname, false)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	w.Write(Entry{
		RemoteAddr:   "10.0.0.1",
		ForwardedFor: strings.Repeat("x", 300),
		Method:       "GET",
		URI:          "/",
		Protocol:     "HTTP/1.1",
		Status:       200,
	})
	w.Close()

	data, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.HasPrefix(string(data), "unknown [") {
		t.Errorf("expected unknown address, got %q", string(data))
	}
}

// TestWriter_MissingFieldsDashed verifies absent request fields are logged as "-"
func TestWriter_MissingFieldsDashed(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "access.log")
	w, err := New(fname, false)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	w.Write(Entry{
		RemoteAddr: "10.0.0.1",
		Method:     "GET",
		URI:        "/x",
		Protocol:   "HTTP/1.1",
		Status:     404,
	})
	w.Close()

	data, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "\"-\" 404") {
		t.Errorf("expected dashed user agent, got %q", string(data))
	}
}

// TestWriter_DailyRotation verifies a date change swaps the log file mid-run
func TestWriter_DailyRotation(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "access.log")

	w, err := New(fname, true)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	day1 := time.Date(2026, 1, 31, 23, 59, 0, 0, time.Local)
	day2 := time.Date(2026, 2, 1, 0, 0, 5, 0, time.Local)

	// Force a known starting date; New already opened today's file, so
	// the first write rotates onto day1.
	w.now = func() time.Time { return day1 }
	w.Write(Entry{RemoteAddr: "1.1.1.1", Method: "GET", URI: "/a", Protocol: "HTTP/1.1", Status: 200})

	w.now = func() time.Time { return day2 }
	w.Write(Entry{RemoteAddr: "2.2.2.2", Method: "GET", URI: "/b", Protocol: "HTTP/1.1", Status: 200})
	w.Close()

	d1, err := os.ReadFile(filepath.Join(dir, "access_2026-01-31.log"))
	if err != nil {
		t.Fatalf("day1 file missing: %v", err)
	}
	if !strings.Contains(string(d1), "/a") {
		t.Errorf("day1 file should carry the first request, got %q", string(d1))
	}

	d2, err := os.ReadFile(filepath.Join(dir, "access_2026-02-01.log"))
	if err != nil {
		t.Fatalf("day2 file missing: %v", err)
	}
	if !strings.Contains(string(d2), "/b") {
		t.Errorf("day2 file should carry the second request, got %q", string(d2))
	}
}

// TestWriter_DisabledWhenNoFile verifies an empty file name disables logging
func TestWriter_DisabledWhenNoFile(t *testing.T) {
	w, err := New("", false)
	if err != nil {
		t.Fatalf("New with empty name should not fail: %v", err)
	}
	if w != nil {
		t.Fatal("expected nil writer for empty file name")
	}
	// Writes on the nil writer must be safe no-ops.
	w.Write(Entry{RemoteAddr: "1.2.3.4", Status: 200})
	w.Close()
}
