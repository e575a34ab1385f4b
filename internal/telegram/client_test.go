package telegram

import (
	"strings"
	"testing"
	"time"

	"github.com/rewired-gh/tickwatch/internal/models"
)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
		{"end!", "end\\!"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFormatAlert(t *testing.T) {
	tests := []struct {
		name  string
		alert models.Alert
		want  []string
	}{
		{
			name: "pump",
			alert: models.Alert{
				Symbol: "BTCUSDT", Kind: models.KindPricePump, Timestamp: 1609294920000,
				Price: 27683.34, Magnitude: 0.0612, Offset: 3,
			},
			want: []string{"📈 *Price pump* `BTCUSDT`", "Price: 27680", "\\+6\\.12% over 3 min", "2020\\-12\\-30 02:22 UTC"},
		},
		{
			name: "dump",
			alert: models.Alert{
				Symbol: "BTCUSDT", Kind: models.KindPriceDump, Timestamp: 1609294920000,
				Price: 98.9, Magnitude: -0.011, Offset: 1,
			},
			want: []string{"📉 *Price dump*", "Price: 98\\.9", "\\-1\\.10% over 1 min"},
		},
		{
			name: "spike",
			alert: models.Alert{
				Symbol: "ETHUSDT", Kind: models.KindVolumeSpike, Timestamp: 1609294920000,
				Price: 106, TradedValue: 20000, Magnitude: 19.13,
			},
			want: []string{"🚨 *Volume spike* `ETHUSDT`", "traded value 20000 is 19\\.13x the trailing mean"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := formatAlert(tt.alert)
			for _, w := range tt.want {
				if !strings.Contains(msg, w) {
					t.Errorf("message missing %q:\n%s", w, msg)
				}
			}
		})
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	// The chat ID is parsed before the bot is created, so no network call is made.
	_, err := NewClient("", "not-a-number", 3, time.Second)
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}
