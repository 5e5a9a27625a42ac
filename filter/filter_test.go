package filter

import (
	"testing"
)

func rawMessage(header, body string) []byte {
	return []byte(header + "\r\n\r\n" + body)
}

func TestFilter_Allows_IncludeMode(t *testing.T) {
	f, err := New(Options{IncludeHeader: []string{"Subject: Invoice"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	match := rawMessage("Subject: Invoice 42\r\nFrom: billing@example.com", "please pay")
	if !f.Allows(match) {
		t.Error("Allows() = false for matching header")
	}

	noMatch := rawMessage("Subject: Newsletter\r\nFrom: news@example.com", "please read")
	if f.Allows(noMatch) {
		t.Error("Allows() = true for non-matching header in include mode")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	f, err := New(Options{ExcludeHeader: []string{"(?i)spam"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(rawMessage("Subject: Meeting notes", "agenda")) {
		t.Error("Allows() = false for clean message")
	}
	if f.Allows(rawMessage("Subject: Definitely Not SPAM", "buy now")) {
		t.Error("Allows() = true for excluded header")
	}
}

func TestFilter_BodyPatterns(t *testing.T) {
	f, err := New(Options{IncludeBody: []string{"important"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(rawMessage("Subject: x", "this is important")) {
		t.Error("Allows() = false for matching body")
	}
	if f.Allows(rawMessage("Subject: important", "nothing here")) {
		t.Error("Allows() = true when only the header matches a body pattern")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	_, err := New(Options{
		IncludeHeader: []string{"test"},
		ExcludeHeader: []string{"spam"},
	})
	if err == nil {
		t.Error("New() succeeded with both include and exclude patterns")
	}
}

func TestFilter_NoPatternsAllowsEverything(t *testing.T) {
	f, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.Active() {
		t.Error("Active() = true with no patterns")
	}
	if !f.Allows(rawMessage("Subject: anything", "any body")) {
		t.Error("Allows() = false with no patterns")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{IncludeHeader: []string{"("}}); err == nil {
		t.Error("New() succeeded with invalid regex")
	}
}

func TestSplitRawMessage(t *testing.T) {
	tests := []struct {
		name       string
		raw        []byte
		wantHeader string
		wantBody   string
	}{
		{"crlf separator", []byte("A: 1\r\nB: 2\r\n\r\nbody"), "A: 1\r\nB: 2", "body"},
		{"lf separator", []byte("A: 1\n\nbody"), "A: 1", "body"},
		{"no separator", []byte("A: 1\r\nB: 2"), "A: 1\r\nB: 2", ""},
		{"empty", nil, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, body := splitRawMessage(tt.raw)
			if string(header) != tt.wantHeader || string(body) != tt.wantBody {
				t.Errorf("splitRawMessage() = (%q, %q), want (%q, %q)", header, body, tt.wantHeader, tt.wantBody)
			}
		})
	}
}
