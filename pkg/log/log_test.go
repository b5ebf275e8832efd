// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	if diff := cmp.Diff("shown 2\nshown 3\n", strings.Join(tw.lines, "")); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2024, time.May, 3, 10, 11, 12, 13000, time.UTC)
	e.Emit(0, Warning, ts, "evicted %d pages", 7)

	got := buf.String()
	if !strings.HasPrefix(got, "W0503 10:11:12.000013 ") {
		t.Errorf("unexpected header: %q", got)
	}
	if !strings.Contains(got, "log_test.go:") {
		t.Errorf("caller missing from %q", got)
	}
	if !strings.HasSuffix(got, "] evicted 7 pages\n") {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogrusEmitter(&buf)
	e.Emit(0, Info, time.Now(), "scan pass %d complete", 3)
	e.Emit(0, Warning, time.Now(), "[EVICT]: freed %d pages", 4)
	got := buf.String()
	for _, want := range []string{"level=info", `msg="scan pass 3 complete"`, `caller="log_test.go:`, `level=warning msg="freed 4 pages"`, "component=evict"} {
		if !strings.Contains(got, want) {
			t.Errorf("logrus output %q missing %q", got, want)
		}
	}
}

func TestMultiEmitter(t *testing.T) {
	a, b := &testWriter{}, &testWriter{}
	m := MultiEmitter{&Writer{Next: a}, &Writer{Next: b}}
	m.Emit(0, Info, time.Now(), "hello")
	for _, w := range []*testWriter{a, b} {
		if got := strings.Join(w.lines, ""); got != "hello\n" {
			t.Errorf("got %q, want %q", got, "hello\n")
		}
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}, time.Hour)
	for i := 0; i < 10; i++ {
		l.Infof("message %d", i)
	}
	if got := strings.Join(tw.lines, ""); got != "message 0\n" {
		t.Errorf("rate limited logger emitted %q, want only the first message", got)
	}

	tw.lines = nil
	l.(*rateLimitedLogger).limit.SetLimit(rate.Inf)
	l.Warningf("[EVICT]: pressure %s", "critical")
	l.Warningf("[EVICT]: pressure %s", "normal")
	want := "[EVICT]: pressure critical (9 similar messages suppressed)\n[EVICT]: pressure normal\n"
	if got := strings.Join(tw.lines, ""); got != want {
		t.Errorf("messages after the limit lifted = %q, want %q", got, want)
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
		err  bool
	}{
		{in: "debug", want: Debug},
		{in: "INFO", want: Info},
		{in: "warn", want: Warning},
		{in: "loud", err: true},
	} {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.err {
			t.Errorf("ParseLevel(%q) error = %v, want error %t", tc.in, err, tc.err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
