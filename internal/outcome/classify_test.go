package outcome

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		sig  Signal
		want Outcome
	}{
		{"artifact", Signal{Artifact: "/out/a_1.mp4"}, Success},
		{"quota text", Signal{PageText: "Error: User has exceeded quota for today"}, QuotaExceeded},
		{"quota readout", Signal{QuotaReadout: "0/10 generations"}, QuotaExceeded},
		{"quota readout not empty", Signal{QuotaReadout: "3/10 generations", Artifact: "/out/a.mp4"}, Success},
		{"quota sentinel", Signal{Err: fmt.Errorf("submit: %w", ErrQuotaExceeded)}, QuotaExceeded},
		{"sign-in redirect", Signal{URL: "https://accounts.google.com/v3/signin/identifier?x=1"}, PermissionDenied},
		{"access denied text", Signal{PageText: "Access denied for this workspace"}, PermissionDenied},
		{"content blocked", Signal{PageText: "Failed to generate a video. Your prompt was blocked due to safety reasons."}, ContentBlocked},
		{"fatal error", Signal{Err: Fatal(errors.New("browser closed"))}, FatalFailure},
		{"timeout sentinel", Signal{Err: ErrTimeout}, Timeout},
		{"deadline", Signal{Err: context.DeadlineExceeded}, Timeout},
		{"over budget", Signal{Elapsed: 90 * time.Second, Budget: 80 * time.Second}, Timeout},
		{"generic failure text", Signal{PageText: "Failed to generate video."}, TransientFailure},
		{"unclassified error", Signal{Err: errors.New("net::ERR_CONNECTION_RESET")}, TransientFailure},
		{"nothing observed", Signal{}, TransientFailure},
	}

	for _, tc := range cases {
		got := Classify(tc.sig)
		if got.Outcome != tc.want {
			t.Fatalf("%s: expected %s, got %s (%s)", tc.name, tc.want, got.Outcome, got.Reason)
		}
		if got.Reason == "" {
			t.Fatalf("%s: expected non-empty reason", tc.name)
		}
	}
}

func TestClassifyPrecedence(t *testing.T) {
	cases := []struct {
		name string
		sig  Signal
		want Outcome
	}{
		{
			"quota beats permission",
			Signal{PageText: "quota exceeded", URL: "https://accounts.google.com/"},
			QuotaExceeded,
		},
		{
			"permission beats content",
			Signal{PageText: "permission denied; prompt was blocked"},
			PermissionDenied,
		},
		{
			"content beats timeout",
			Signal{PageText: "blocked due to safety", Err: ErrTimeout},
			ContentBlocked,
		},
		{
			"fatal beats success",
			Signal{Artifact: "/out/a.mp4", Err: Fatal(errors.New("target crashed"))},
			FatalFailure,
		},
		{
			"failure text beats success",
			Signal{Artifact: "/out/a.mp4", PageText: "Failed to generate video."},
			TransientFailure,
		},
		{
			"timeout beats transient",
			Signal{Err: Transient(ErrTimeout)},
			Timeout,
		},
	}

	for _, tc := range cases {
		if got := Classify(tc.sig).Outcome; got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	sig := Signal{PageText: "Something went wrong", Elapsed: time.Second, Budget: time.Minute}
	first := Classify(sig)
	for i := 0; i < 20; i++ {
		if got := Classify(sig); got != first {
			t.Fatalf("expected stable classification, got %+v then %+v", first, got)
		}
	}
}

func TestConclusive(t *testing.T) {
	if Conclusive(Signal{PageText: "Generating your video...", Elapsed: time.Second, Budget: 80 * time.Second}) {
		t.Fatal("expected an in-progress page to be inconclusive")
	}
	if !Conclusive(Signal{PageText: "Failed to generate video"}) {
		t.Fatal("expected failure text to be conclusive")
	}
	if !Conclusive(Signal{Elapsed: 81 * time.Second, Budget: 80 * time.Second}) {
		t.Fatal("expected an exhausted budget to be conclusive")
	}
}

func TestLongErrorReasonStaysValidUTF8(t *testing.T) {
	msg := strings.Repeat("a", 239) + "échec de génération"
	res := Classify(Signal{Err: errors.New(msg)})
	if !utf8.ValidString(res.Reason) {
		t.Fatalf("reason is not valid UTF-8: %q", res.Reason)
	}
	if !strings.HasPrefix(msg, res.Reason) || len(res.Reason) > 240 {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
}
