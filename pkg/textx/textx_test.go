package textx

import "testing"

func TestSanitizeText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"hello", "hello"},
		{"  padded  ", "padded"},
		{"line1\nline2", "line1\nline2"},
		{"tab\there", "tab\there"},
		{"nul\x00byte", "nulbyte"},
		{"bell\x07rings", "bellrings"},
		{"del\x7fchar", "delchar"},
		{"", ""},
	}
	for _, tt := range cases {
		if got := SanitizeText(tt.in); got != tt.want {
			t.Errorf("SanitizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeAnswer(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Paris", "paris"},
		{"  PARIS!  ", "paris"},
		{"paris.", "paris"},
		{"The   quick\tbrown fox", "the quick brown fox"},
		{"3.14", "3.14"},
		{"1,000", "1,000"},
		{"-5", "-5"},
		{"  -5  ", "-5"},
		{"- dash prefix", "dash prefix"},
		{"it's fine", "it s fine"},
		{"semi;colon", "semi colon"},
		{"trailing dash-", "trailing dash"},
		{"", ""},
		{"?!.", ""},
	}
	for _, tt := range cases {
		if got := NormalizeAnswer(tt.in); got != tt.want {
			t.Errorf("NormalizeAnswer(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeAnswer_EquivalentForms(t *testing.T) {
	groups := [][]string{
		{"Paris", "paris!", "  PARIS.  ", "paris"},
		{"H2O", "h2o", "  h2o?"},
		{"New York City", "new   york\tcity", "New York; City"},
	}
	for _, g := range groups {
		want := NormalizeAnswer(g[0])
		for _, s := range g[1:] {
			if got := NormalizeAnswer(s); got != want {
				t.Errorf("NormalizeAnswer(%q) = %q, want %q (same as %q)", s, got, want, g[0])
			}
		}
	}
}

func TestParseNumeric(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"42", 42, true},
		{"42.0", 42, true},
		{"1,000", 1000, true},
		{"-5", -5, true},
		{"  3.5  ", 3.5, true},
		{"", 0, false},
		{"forty-two", 0, false},
		{"1.2.3", 0, false},
	}
	for _, tt := range cases {
		got, ok := ParseNumeric(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseNumeric(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a longer sentence", 10, "this is..."},
		{"abcdef", 3, "abc"},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range cases {
		if got := Truncate(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}
