package neutrality

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLexicon_FlagsForbiddenTerms(t *testing.T) {
	lexicon := NewLexicon()

	cases := []struct {
		text       string
		neutral    bool
		violations []string
	}{
		{"I recommend resolving this immediately", false, []string{"recommend", "immediately"}},
		{"This change must be applied", false, []string{"must"}},
		{"You have to approve this", false, []string{"have to"}},
		{"Edge a is marked superseded; edge b stays active.", true, nil},
		{"Both relations stay stored and active.", true, nil},
		{"URGENT: approval requested", false, []string{"urgent"}},
	}

	for _, tc := range cases {
		verdict, err := lexicon.Validate(context.Background(), tc.text)
		if err != nil {
			t.Fatalf("lexicon validate: %v", err)
		}
		if verdict.Neutral != tc.neutral {
			t.Errorf("%q: expected neutral=%v, got %v (violations %v)", tc.text, tc.neutral, verdict.Neutral, verdict.Violations)
			continue
		}
		if len(verdict.Violations) != len(tc.violations) {
			t.Errorf("%q: expected violations %v, got %v", tc.text, tc.violations, verdict.Violations)
			continue
		}
		for i, want := range tc.violations {
			if verdict.Violations[i] != want {
				t.Errorf("%q: violation %d: expected %q, got %q", tc.text, i, want, verdict.Violations[i])
			}
		}
	}
}

func TestLexicon_WholeWordMatchingOnly(t *testing.T) {
	lexicon := NewLexicon()
	// "mustard" and "shoulder" contain modal substrings but are not matches.
	verdict, _ := lexicon.Validate(context.Background(), "the mustard relation touches the shoulder node")
	if !verdict.Neutral {
		t.Fatalf("expected neutral, got violations %v", verdict.Violations)
	}
}

func TestClassifier_ReturnsVerdict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"is_neutral": false,
			"violations": []string{"approval-biased framing"},
		})
	}))
	defer server.Close()

	classifier := NewClassifier(server.URL, time.Second)
	verdict, err := classifier.Validate(context.Background(), "some reasoning")
	if err != nil {
		t.Fatalf("classifier validate: %v", err)
	}
	if verdict.Neutral {
		t.Fatal("expected non-neutral verdict")
	}
	if len(verdict.Violations) != 1 || verdict.Violations[0] != "approval-biased framing" {
		t.Fatalf("unexpected violations: %v", verdict.Violations)
	}
}

func TestService_FallsBackWhenClassifierTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	service := NewService(NewClassifier(server.URL, 10*time.Millisecond), NewLexicon())
	verdict, err := service.Validate(context.Background(), "I recommend this")
	if err != nil {
		t.Fatalf("service validate: %v", err)
	}
	if verdict.Neutral {
		t.Fatal("expected lexicon fallback to flag the text")
	}
}

func TestService_FallsBackWhenClassifierDown(t *testing.T) {
	// Point at a closed server so the call fails fast.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	service := NewService(NewClassifier(server.URL, time.Second), NewLexicon())
	verdict, err := service.Validate(context.Background(), "both relations stay active")
	if err != nil {
		t.Fatalf("service validate: %v", err)
	}
	if !verdict.Neutral {
		t.Fatalf("expected neutral verdict from lexicon, got violations %v", verdict.Violations)
	}
}

func TestService_NoClassifierConfigured(t *testing.T) {
	service := NewService(nil, NewLexicon())
	verdict, err := service.Validate(context.Background(), "this should be flagged")
	if err != nil {
		t.Fatalf("service validate: %v", err)
	}
	if verdict.Neutral {
		t.Fatal("expected lexicon violation")
	}
}
