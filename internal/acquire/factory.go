package acquire

import (
	"fmt"
	"net/http"

	"github.com/icholy/digest"
)

// New creates the acquisition strategy for a camera based on its
// configured type.
func New(target Target, deps Deps) (Strategy, error) {
	switch target.Cam.Kind() {
	case "static_jpeg", "static_png", "aviationwx_api":
		return newStaticStrategy(target, deps), nil
	case "mjpeg":
		return newMJPEGStrategy(target, deps), nil
	case "rtsp":
		return newRTSPStrategy(target, deps), nil
	case "onvif":
		return newONVIFStrategy(target, deps)
	case "push":
		return newPushStrategy(target, deps)
	default:
		return nil, fmt.Errorf("unsupported webcam type: %s", target.Cam.Kind())
	}
}

// httpClientFor returns the HTTP client for a camera, wrapping the
// shared transport with digest auth when configured. Basic and bearer
// auth are applied per-request.
func httpClientFor(target Target, deps Deps) *http.Client {
	base := deps.Client
	if base == nil {
		base = &http.Client{Timeout: deps.RequestTimeout}
	}

	auth := target.Cam.Auth
	if auth != nil && auth.Type == "digest" {
		return &http.Client{
			Timeout: base.Timeout,
			Transport: &digest.Transport{
				Username:  auth.Username,
				Password:  auth.Password,
				Transport: base.Transport,
			},
		}
	}
	return base
}

// applyRequestAuth sets basic or bearer credentials on a request
func applyRequestAuth(req *http.Request, target Target) {
	auth := target.Cam.Auth
	if auth == nil {
		return
	}
	switch auth.Type {
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	}
}
