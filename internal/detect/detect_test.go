package detect

import (
	"regexp"
	"testing"
	"time"
)

func testDetector(now time.Time) *Detector {
	return &Detector{
		Now: func() time.Time { return now },
		Loc: time.UTC,
	}
}

func TestMediaSolutionHappyPath(t *testing.T) {
	d := testDetector(time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC))

	subject := "Média Solution - Missions Recadrage - Lot 42"
	body := "Bonjour, à faire pour 11h51 svp. Lien: https://www.dropbox.com/scl/fo/abc"

	got := d.MediaSolution(subject, body)
	if !got.Matches {
		t.Fatal("expected a match")
	}
	if got.DeliveryTime != "11h51" {
		t.Errorf("DeliveryTime = %q, want %q", got.DeliveryTime, "11h51")
	}
	if got.Lot != "42" {
		t.Errorf("Lot = %q, want %q", got.Lot, "42")
	}
	if got.Urgent {
		t.Error("should not be urgent")
	}
}

func TestMediaSolutionUrgencyOverride(t *testing.T) {
	now := time.Date(2026, 3, 12, 10, 30, 0, 0, time.UTC)
	d := testDetector(now)

	subject := "Média Solution - Missions Recadrage - Lot 42 - URGENCE"
	body := "à faire pour 18h00 https://www.dropbox.com/scl/fo/abc"

	got := d.MediaSolution(subject, body)
	if !got.Matches || !got.Urgent {
		t.Fatalf("expected urgent match, got %+v", got)
	}
	if !regexp.MustCompile(`^\d{2}h\d{2}$`).MatchString(got.DeliveryTime) {
		t.Errorf("DeliveryTime %q does not match HHhMM", got.DeliveryTime)
	}
	if got.DeliveryTime == "18h00" {
		t.Error("urgent delivery time must not come from the body")
	}
	if got.DeliveryTime != "11h30" {
		t.Errorf("DeliveryTime = %q, want now+1h = 11h30", got.DeliveryTime)
	}
}

func TestMediaSolutionDateTimePhrase(t *testing.T) {
	d := testDetector(time.Now())

	body := "livraison le 5/3/2026 à 9h https://fromsmash.com/abc"
	got := d.MediaSolution("media solution missions lot 7", body)
	if !got.Matches {
		t.Fatal("expected a match")
	}
	if got.DeliveryTime != "le 05/03/2026 à 09h00" {
		t.Errorf("DeliveryTime = %q", got.DeliveryTime)
	}
}

func TestMediaSolutionRequiresProviderLink(t *testing.T) {
	d := testDetector(time.Now())

	got := d.MediaSolution("Média Solution - Missions - Lot 3", "pour 11h00, aucun lien ici")
	if got.Matches {
		t.Error("should not match without a provider link in the body")
	}
}

func TestMediaSolutionFailClosed(t *testing.T) {
	d := testDetector(time.Now())

	cases := []struct{ subject, body string }{
		{"", "https://www.dropbox.com/scl/fo/abc"},
		{"Média Solution - Missions - Lot 3", ""},
		{"autre sujet sans rapport", "https://www.dropbox.com/scl/fo/abc"},
	}
	for _, c := range cases {
		if got := d.MediaSolution(c.subject, c.body); got.Matches {
			t.Errorf("MediaSolution(%q, %q) matched, want no match", c.subject, c.body)
		}
	}
}

func TestMediaSolutionAccentInsensitive(t *testing.T) {
	d := testDetector(time.Now())

	got := d.MediaSolution("MEDIA SOLUTION — missions retouche — LOT 99",
		"pour 14:05 https://www.swisstransfer.com/d/xyz")
	if !got.Matches {
		t.Fatal("expected accent/case-insensitive match")
	}
	if got.DeliveryTime != "14h05" {
		t.Errorf("DeliveryTime = %q, want 14h05", got.DeliveryTime)
	}
}

func TestDesaboWithRequestLink(t *testing.T) {
	d := testDetector(time.Now())

	subject := "Désabonnement"
	body := "Je souhaite un désabonnement à partir d'aujourd'hui, au tarif standard.\n" +
		"Dossier: https://www.dropbox.com/request/AbCd1234"

	got := d.Desabo(subject, body)
	if !got.Matches {
		t.Fatal("expected a match")
	}
	if !got.HasDropboxRequest {
		t.Error("expected HasDropboxRequest = true")
	}
}

func TestDesaboMissingKeyword(t *testing.T) {
	d := testDetector(time.Now())

	// Missing the pricing phrase.
	got := d.Desabo("Désabonnement", "désabonnement aujourd'hui, merci")
	if got.Matches {
		t.Error("should not match without all required keywords")
	}
}

func TestDesaboUrgent(t *testing.T) {
	d := testDetector(time.Now())

	got := d.Desabo("Désabonnement URGENT", "désabonnement aujourd'hui tarif standard")
	if !got.Matches || !got.Urgent {
		t.Errorf("expected urgent match, got %+v", got)
	}
}

func TestFold(t *testing.T) {
	if Fold("Média Solution à DÉSABONNEMENT") != "media solution a desabonnement" {
		t.Errorf("Fold = %q", Fold("Média Solution à DÉSABONNEMENT"))
	}
}
