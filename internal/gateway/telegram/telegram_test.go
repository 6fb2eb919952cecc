package telegram

import (
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestParseChatID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"-1001234567890", -1001234567890, false},
		{" 42 ", 42, false},
		{"0", 0, true},
		{"120363@g.us", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseChatID(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ParseChatID(%q) = %d, %v", tc.in, got, err)
		}
	}
}

func TestChatFrom(t *testing.T) {
	t.Parallel()

	ch, ok := chatFrom(&tele.Chat{ID: -100, Title: "Promo group", Type: tele.ChatSuperGroup})
	if !ok || ch.ID != "-100" || ch.Name != "Promo group" || !ch.IsGroup {
		t.Fatalf("group chat = %+v ok=%v", ch, ok)
	}
	ch, ok = chatFrom(&tele.Chat{ID: 7, FirstName: "Ana", Type: tele.ChatPrivate})
	if !ok || ch.Name != "Ana" || ch.IsGroup {
		t.Fatalf("private chat = %+v ok=%v", ch, ok)
	}
	if _, ok := chatFrom(&tele.Chat{ID: 9}); ok {
		t.Fatal("unnamed chat should be skipped")
	}
	if _, ok := chatFrom(nil); ok {
		t.Fatal("nil chat should be skipped")
	}
}
