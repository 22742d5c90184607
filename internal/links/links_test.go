package links

import (
	"reflect"
	"strings"
	"testing"
)

func TestExtractProviders(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		provider Provider
		count    int
	}{
		{
			name:     "dropbox folder link",
			text:     "livraison ici https://www.dropbox.com/scl/fo/abc123/h?rlkey=xyz&dl=0 merci",
			provider: ProviderDropbox,
			count:    1,
		},
		{
			name:     "fromsmash link",
			text:     "https://fromsmash.com/AbCdEf123",
			provider: ProviderFromSmash,
			count:    1,
		},
		{
			name:     "swisstransfer link",
			text:     "voir https://www.swisstransfer.com/d/5f2c-1a2b",
			provider: ProviderSwissTransfer,
			count:    1,
		},
		{
			name:  "no provider link",
			text:  "rien ici https://example.com/file.zip",
			count: 0,
		},
		{
			name:  "empty input",
			text:  "",
			count: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.text)
			if len(got) != tt.count {
				t.Fatalf("Extract() returned %d links, want %d", len(got), tt.count)
			}
			if tt.count > 0 && got[0].Provider != tt.provider {
				t.Errorf("provider = %s, want %s", got[0].Provider, tt.provider)
			}
		})
	}
}

func TestExtractDeterministic(t *testing.T) {
	text := `deux liens https://www.dropbox.com/scl/fo/abc/h?dl=0 et
https://fromsmash.com/XYZ et du bruit <p>https://example.org</p>`

	first := Extract(text)
	second := Extract(text)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Extract is not deterministic: %v vs %v", first, second)
	}
}

func TestExtractDuplicateURLOnce(t *testing.T) {
	text := `https://www.dropbox.com/scl/fo/abc123/h?rlkey=k&dl=0
encore une fois: https://www.dropbox.com/scl/fo/abc123/h?rlkey=k&dl=0`

	got := Extract(text)
	if len(got) != 1 {
		t.Fatalf("duplicate URL extracted %d times, want 1", len(got))
	}
	if got[0].RawURL != "https://www.dropbox.com/scl/fo/abc123/h?rlkey=k&dl=0" {
		t.Errorf("first-seen raw URL not preserved: %s", got[0].RawURL)
	}
}

func TestExtractUnescapesDoubleEncodedAmpersands(t *testing.T) {
	text := "https://www.dropbox.com/scl/fo/abc/h?rlkey=k&amp;amp;dl=0"

	got := Extract(text)
	if len(got) != 1 {
		t.Fatalf("got %d links, want 1", len(got))
	}
	if got[0].RawURL != "https://www.dropbox.com/scl/fo/abc/h?rlkey=k&dl=0" {
		t.Errorf("ampersands not normalized: %s", got[0].RawURL)
	}
}

func TestExtractSkipsPreviewAssets(t *testing.T) {
	text := `https://www.dropbox.com/scl/fo/abc/logo-mail.png?rlkey=k&raw=1
https://www.dropbox.com/scl/fo/abc/h?rlkey=k&dl=0`

	got := Extract(text)
	if len(got) != 1 {
		t.Fatalf("got %d links, want 1 (preview asset should be skipped)", len(got))
	}
	if got[0].RawURL != "https://www.dropbox.com/scl/fo/abc/h?rlkey=k&dl=0" {
		t.Errorf("wrong link kept: %s", got[0].RawURL)
	}
}

func TestExtractOrderIsFirstSeen(t *testing.T) {
	text := "https://fromsmash.com/first puis https://www.dropbox.com/scl/fo/second/h?dl=0"

	got := Extract(text)
	if len(got) != 2 {
		t.Fatalf("got %d links, want 2", len(got))
	}
	if got[0].Provider != ProviderFromSmash || got[1].Provider != ProviderDropbox {
		t.Errorf("order not preserved: %s then %s", got[0].Provider, got[1].Provider)
	}
}

func TestDirectURL(t *testing.T) {
	got := Extract("https://www.dropbox.com/scl/fo/abc/h?rlkey=k&dl=0")
	if len(got) != 1 {
		t.Fatalf("got %d links, want 1", len(got))
	}
	if got[0].DirectURL == "" {
		t.Fatal("dropbox link should have a direct URL")
	}
	if want := "dl=1"; !strings.Contains(got[0].DirectURL, want) {
		t.Errorf("direct URL %s does not contain %s", got[0].DirectURL, want)
	}
}

func TestFirstDirect(t *testing.T) {
	if FirstDirect(nil) != "" {
		t.Error("FirstDirect(nil) should be empty")
	}
	list := Extract("https://fromsmash.com/OnlyRaw")
	if FirstDirect(list) != "https://fromsmash.com/OnlyRaw" {
		t.Errorf("FirstDirect should fall back to raw URL, got %s", FirstDirect(list))
	}
}
