package content

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain text", input: "hello world", want: "hello world"},
		{name: "script stripped", input: `<script>alert("xss")</script>hi`, want: "hi"},
		{name: "tags stripped", input: "<b>bold</b> move", want: "bold move"},
		{name: "empty", input: "", want: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Sanitize(tc.input); got != tc.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	t.Run("Markdown", func(t *testing.T) {
		got := Render("some **bold** text")
		if !strings.Contains(got, "<strong>bold</strong>") {
			t.Errorf("expected bold markup, got %q", got)
		}
	})

	t.Run("ScriptNeverSurvives", func(t *testing.T) {
		got := Render(`hello <script>alert("xss")</script>`)
		if strings.Contains(got, "<script") {
			t.Errorf("script tag survived: %q", got)
		}
	})

	t.Run("LinksKept", func(t *testing.T) {
		got := Render("[waves](https://example.com)")
		if !strings.Contains(got, `href="https://example.com"`) {
			t.Errorf("expected link preserved, got %q", got)
		}
	})
}

func TestValidateUsername(t *testing.T) {
	valid := []string{"alice", "bob.smith", "user_1", "a-b", "X"}
	for _, name := range valid {
		if err := ValidateUsername(name); err != nil {
			t.Errorf("ValidateUsername(%q) = %v", name, err)
		}
	}

	invalid := []string{"", "has space", "emoji😀", "semi;colon", "<tag>"}
	for _, name := range invalid {
		if err := ValidateUsername(name); err == nil {
			t.Errorf("ValidateUsername(%q) should fail", name)
		}
	}
}

func TestValidateColor(t *testing.T) {
	valid := []string{"#000000", "#ffffff", "#7C3AED"}
	for _, c := range valid {
		if err := ValidateColor(c); err != nil {
			t.Errorf("ValidateColor(%q) = %v", c, err)
		}
	}

	invalid := []string{"", "red", "#fff", "#gggggg", "7c3aed", "#7c3aed00"}
	for _, c := range invalid {
		if err := ValidateColor(c); err == nil {
			t.Errorf("ValidateColor(%q) should fail", c)
		}
	}
}
