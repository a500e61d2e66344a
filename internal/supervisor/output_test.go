package supervisor

import "testing"

func TestTruncateUTF8KeepsRunesWhole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "hello", n: 10, want: "hello"},
		{in: "hello", n: 3, want: "hel"},
		{in: "héllo", n: 2, want: "h"},
		{in: "héllo", n: 3, want: "hé"},
		{in: "日本", n: 4, want: "日"},
		{in: "abc", n: 0, want: ""},
	}
	for _, tc := range tests {
		if got := truncateUTF8(tc.in, tc.n); got != tc.want {
			t.Fatalf("truncateUTF8(%q, %d): got %q want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestRuneAlignerHoldsBackSplitRunes(t *testing.T) {
	t.Parallel()

	var a runeAligner
	word := []byte("日本")
	if got := a.align(word[:2]); got != "" {
		t.Fatalf("expected partial rune to be held back, got %q", got)
	}
	if got := a.align(word[2:4]); got != "日" {
		t.Fatalf("unexpected first rune: %q", got)
	}
	if got := a.align(word[4:]); got != "本" {
		t.Fatalf("unexpected second rune: %q", got)
	}
	a.align([]byte{0xe6})
	if got := a.flush(); got != "\xe6" {
		t.Fatalf("expected flush to release the carry, got %q", got)
	}
	if got := a.flush(); got != "" {
		t.Fatalf("expected empty carry after flush, got %q", got)
	}
}

func TestOutputBufferCapsStoredOutput(t *testing.T) {
	t.Parallel()

	b := newOutputBuffer(5, 8)
	b.write("abc")
	b.write("defgh")
	b.write("ijk")

	if got := b.takePending(); got != "abcde" {
		t.Fatalf("unexpected stored output: %q", got)
	}
	total, stored, truncated := b.counts()
	if total != 11 || stored != 5 || !truncated {
		t.Fatalf("unexpected counts: total=%d stored=%d truncated=%v", total, stored, truncated)
	}
	if got := b.tailString(); got != "defghijk" {
		t.Fatalf("unexpected tail: %q", got)
	}
}

func TestOutputBufferRestoreKeepsOrder(t *testing.T) {
	t.Parallel()

	b := newOutputBuffer(0, 16)
	b.write("one ")
	taken := b.takePending()
	b.write("two")
	b.restore(taken)
	if got := b.takePending(); got != "one two" {
		t.Fatalf("unexpected pending output: %q", got)
	}
}

func TestParseResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		tail     string
		artifact string
		branch   string
	}{
		{name: "none", tail: "all done\n"},
		{name: "both", tail: "PR_URL=https://x/pull/1\nBRANCH=fix\n", artifact: "https://x/pull/1", branch: "fix"},
		{name: "last wins", tail: "PR_URL=https://x/pull/1\nPR_URL=https://x/pull/2", artifact: "https://x/pull/2"},
		{name: "empty values ignored", tail: "BRANCH=main\nBRANCH=\n", branch: "main"},
		{name: "indented", tail: "  BRANCH=feature/a  \n", branch: "feature/a"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			artifact, branch := parseResult(tc.tail)
			if artifact != tc.artifact || branch != tc.branch {
				t.Fatalf("got artifact=%q branch=%q want artifact=%q branch=%q", artifact, branch, tc.artifact, tc.branch)
			}
		})
	}
}
