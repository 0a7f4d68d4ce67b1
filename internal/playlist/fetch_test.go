package playlist

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voyagen/streamkeeper/internal/models"
)

func TestFetchDonor(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		fmt.Fprint(w, "#EXTM3U\n#EXTINF:-1 group-title=\"Sport\",Sport One\nhttp://example.com/s1.m3u8\n")
	}))
	defer srv.Close()

	donor := models.Donor{Name: "primary", URL: srv.URL, Enabled: true, UserAgent: "DonorAgent/1.0"}
	entries, err := FetchDonor(context.Background(), donor, "Fallback/1.0", 2*time.Second)
	if err != nil {
		t.Fatalf("FetchDonor: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "Sport One" {
		t.Errorf("entries: %+v", entries)
	}
	if gotUA != "DonorAgent/1.0" {
		t.Errorf("donor user agent must win, got %q", gotUA)
	}

	donor.UserAgent = ""
	if _, err := FetchDonor(context.Background(), donor, "Fallback/1.0", 2*time.Second); err != nil {
		t.Fatalf("FetchDonor: %v", err)
	}
	if gotUA != "Fallback/1.0" {
		t.Errorf("fallback user agent: got %q", gotUA)
	}
}

func TestFetchDonorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/garbage":
			fmt.Fprint(w, "<html>server error page</html>")
		}
	}))
	defer srv.Close()

	donor := models.Donor{Name: "d", URL: srv.URL + "/missing", Enabled: true}
	if _, err := FetchDonor(context.Background(), donor, "", time.Second); err == nil {
		t.Error("expected error for HTTP 404")
	}

	donor.URL = srv.URL + "/garbage"
	if _, err := FetchDonor(context.Background(), donor, "", time.Second); err == nil {
		t.Error("expected error for non-playlist body")
	}
}
