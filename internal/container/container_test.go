package container

import "testing"

func TestShellJoin_QuotesArgsWithSpecialChars(t *testing.T) {
	got := shellJoin([]string{"openocd", "-c", "program app.elf verify reset exit"})
	want := `openocd -c 'program app.elf verify reset exit'`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestShellJoin_PlainArgsUnquoted(t *testing.T) {
	got := shellJoin([]string{"pkill", "-9", "-f", "jlinkgdbserver"})
	want := "pkill -9 -f jlinkgdbserver"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestShellQuote_EscapesSingleQuotes(t *testing.T) {
	got := shellQuote("it's a test")
	want := `'it'\''s a test'`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestManager_ExecAgainstUnknownContainer(t *testing.T) {
	m := NewManager()
	if _, err := m.Exec(nil, "nope", []string{"true"}); err == nil {
		t.Fatal("expected error execing against a container that was never started")
	}
}
