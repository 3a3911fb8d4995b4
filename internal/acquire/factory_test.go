package acquire

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/icholy/digest"

	"github.com/airfieldwx/airfieldwx/internal/config"
)

func TestFactoryDispatch(t *testing.T) {
	tests := []struct {
		camType string
		want    string
	}{
		{"", "static_jpeg"},
		{"static_jpeg", "static_jpeg"},
		{"static_png", "static_png"},
		{"aviationwx_api", "aviationwx_api"},
		{"mjpeg", "mjpeg"},
		{"rtsp", "rtsp"},
	}

	for _, tt := range tests {
		t.Run("type "+tt.camType, func(t *testing.T) {
			cam := &config.Webcam{Type: tt.camType, URL: "https://cam.example.com/x"}
			strat, err := New(Target{AirportID: "kspb", Cam: cam}, Deps{})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if strat.Kind() != tt.want {
				t.Errorf("Kind = %q, want %q", strat.Kind(), tt.want)
			}
		})
	}
}

func TestFactoryRejectsUnknownType(t *testing.T) {
	cam := &config.Webcam{Type: "carrier_pigeon"}
	if _, err := New(Target{Cam: cam}, Deps{}); err == nil {
		t.Error("unknown type accepted")
	}
}

func TestHTTPClientForDigest(t *testing.T) {
	cam := &config.Webcam{Auth: &config.Auth{Type: "digest", Username: "u", Password: "p"}}
	client := httpClientFor(Target{Cam: cam}, Deps{})
	if _, ok := client.Transport.(*digest.Transport); !ok {
		t.Errorf("transport = %T, want digest", client.Transport)
	}

	// Without digest auth the shared client passes through untouched
	shared := &http.Client{}
	plain := httpClientFor(Target{Cam: &config.Webcam{}}, Deps{Client: shared})
	if plain != shared {
		t.Error("shared client replaced")
	}
}

func TestApplyRequestAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	tests := []struct {
		name string
		auth *config.Auth
		want string
	}{
		{"none", nil, ""},
		{"basic", &config.Auth{Type: "basic", Username: "u", Password: "p"}, "Basic "},
		{"bearer", &config.Auth{Type: "bearer", Token: "tok"}, "Bearer tok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			applyRequestAuth(req, Target{Cam: &config.Webcam{Auth: tt.auth}})
			if _, err := http.DefaultClient.Do(req); err != nil {
				t.Fatal(err)
			}
			if !strings.HasPrefix(gotAuth, tt.want) {
				t.Errorf("Authorization = %q, want prefix %q", gotAuth, tt.want)
			}
		})
	}
}
