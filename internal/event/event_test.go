package event

import (
	"encoding/json"
	"testing"
)

func TestBodyHashOrderIndependent(t *testing.T) {
	a := map[string]any{"model": "gpt", "temperature": 0.5}
	b := map[string]any{"temperature": 0.5, "model": "gpt"}
	ha, err := BodyHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := BodyHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("expected equal hashes regardless of key order, got %s vs %s", ha, hb)
	}
}

func TestBodyHashDiffersOnContent(t *testing.T) {
	a := map[string]any{"model": "gpt"}
	b := map[string]any{"model": "claude"}
	ha, _ := BodyHash(a)
	hb, _ := BodyHash(b)
	if ha == hb {
		t.Fatalf("expected different hashes for different bodies")
	}
}

func TestParseLineRejectsMissingFields(t *testing.T) {
	cases := []string{
		`{"method":"POST","url":"/v1/chat","body":{}}`,
		`{"custom_id":"a","url":"/v1/chat","body":{}}`,
		`{"custom_id":"a","method":"POST","body":{}}`,
		`{"custom_id":"a","method":"POST","url":"/v1/chat"}`,
		`not json`,
	}
	for _, c := range cases {
		if _, err := ParseLine([]byte(c)); err == nil {
			t.Fatalf("expected validation error for %q", c)
		}
	}
}

func TestParseLineAccepted(t *testing.T) {
	raw := `{"custom_id":"a","method":"POST","url":"/v1/chat","body":{"model":"gpt"}}`
	l, err := ParseLine([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if l.CustomID != "a" || l.Method != "POST" || l.URL != "/v1/chat" {
		t.Fatalf("unexpected parse result: %#v", l)
	}
}

func TestBatchStatusPriority(t *testing.T) {
	cases := []struct {
		counts map[Status]int
		want   Status
	}{
		{map[Status]int{StatusProcessing: 1, StatusPending: 5, StatusFailed: 2, StatusCompleted: 1}, StatusProcessing},
		{map[Status]int{StatusPending: 1, StatusFailed: 2, StatusCompleted: 1}, StatusPending},
		{map[Status]int{StatusFailed: 2, StatusCompleted: 1}, StatusFailed},
		{map[Status]int{StatusCompleted: 3}, StatusCompleted},
		{map[Status]int{}, StatusCompleted},
	}
	for _, c := range cases {
		if got := BatchStatus(c.counts); got != c.want {
			t.Fatalf("BatchStatus(%v) = %v, want %v", c.counts, got, c.want)
		}
	}
}

func TestTaskMessageRoundtrip(t *testing.T) {
	m := TaskMessage{MessageID: "m1", BatchID: "b1"}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var m2 TaskMessage
	if err := json.Unmarshal(b, &m2); err != nil {
		t.Fatal(err)
	}
	if m2 != m {
		t.Fatalf("roundtrip mismatch: %#v vs %#v", m, m2)
	}
}
