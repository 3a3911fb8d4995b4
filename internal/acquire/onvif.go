package acquire

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/korylprince/go-onvif"
	"github.com/korylprince/go-onvif/soap"

	"github.com/airfieldwx/airfieldwx/internal/backoff"
)

// onvifStrategy acquires snapshots from ONVIF-compliant cameras. The
// media service XAddr and snapshot URI are discovered over SOAP and
// cached; a 401 or fetch failure invalidates the cached URI and the
// acquisition retries discovery once.
type onvifStrategy struct {
	target Target
	deps   Deps

	httpClient  *http.Client
	onvifClient *onvif.Client

	snapshotURI string
	mediaXAddr  string
	mediaNS     string
}

func newONVIFStrategy(target Target, deps Deps) (*onvifStrategy, error) {
	ocfg := target.Cam.ONVIF
	if ocfg == nil {
		return nil, fmt.Errorf("onvif config is required")
	}
	if ocfg.Endpoint == "" {
		return nil, fmt.Errorf("onvif.endpoint is required")
	}
	if ocfg.Username == "" || ocfg.Password == "" {
		return nil, fmt.Errorf("onvif credentials are required")
	}

	timeout := deps.RequestTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	return &onvifStrategy{
		target:     target,
		deps:       deps,
		httpClient: httpClient,
		onvifClient: &onvif.Client{
			Username:   ocfg.Username,
			Password:   ocfg.Password,
			HTTPClient: httpClient,
		},
	}, nil
}

func (s *onvifStrategy) Kind() string {
	return "onvif"
}

func (s *onvifStrategy) ShouldSkip(ctx context.Context) (bool, string) {
	if d := s.deps.Backoff.Check(s.target.Key()); d.Skip {
		return true, SkipCircuitOpen
	}
	return false, ""
}

func (s *onvifStrategy) Acquire(ctx context.Context) Result {
	data, err := s.capture(ctx)
	if err != nil {
		severity := backoff.SeverityTransient
		if _, ok := err.(*AuthError); ok {
			severity = backoff.SeverityPermanent
		}
		if ctx.Err() == context.DeadlineExceeded {
			return Failure(s.Kind(), "onvif_timeout", backoff.SeverityTransient)
		}
		return Failure(s.Kind(), fmt.Sprintf("onvif: %v", err), severity)
	}

	normalized, err := normalizeBody(data)
	if err != nil {
		return Failure(s.Kind(), err.Error(), backoff.SeverityTransient)
	}
	return stageFrame(s.target, s.deps, normalized, s.Kind())
}

// capture fetches a snapshot, re-discovering the URI once when the
// cached one has gone stale.
func (s *onvifStrategy) capture(ctx context.Context) ([]byte, error) {
	if s.snapshotURI == "" {
		uri, err := s.getSnapshotURI(ctx)
		if err != nil {
			return nil, &SourceError{Target: s.target.Cam.Name, Message: "get snapshot URI", Err: err}
		}
		s.snapshotURI = uri
	}

	data, err := s.fetchSnapshot(ctx, s.snapshotURI)
	if err == nil {
		return data, nil
	}
	if _, ok := err.(*AuthError); ok {
		s.snapshotURI = ""
		return nil, err
	}

	// Stale URI: rediscover and retry once
	s.snapshotURI = ""
	uri, derr := s.getSnapshotURI(ctx)
	if derr != nil {
		return nil, &SourceError{Target: s.target.Cam.Name, Message: "retry get snapshot URI", Err: derr}
	}
	s.snapshotURI = uri
	return s.fetchSnapshot(ctx, s.snapshotURI)
}

func (s *onvifStrategy) fetchSnapshot(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &SourceError{Target: s.target.Cam.Name, Message: "create snapshot request", Err: err}
	}
	req.SetBasicAuth(s.target.Cam.ONVIF.Username, s.target.Cam.ONVIF.Password)
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	req.Header.Set("Pragma", "no-cache")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Target: s.target.Cam.Name, Timeout: s.httpClient.Timeout}
		}
		return nil, &SourceError{Target: s.target.Cam.Name, Message: "snapshot request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &AuthError{Target: s.target.Cam.Name, Message: "snapshot fetch unauthorized"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &SourceError{Target: s.target.Cam.Name, Message: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, &SourceError{Target: s.target.Cam.Name, Message: "read snapshot body", Err: err}
	}
	if len(data) == 0 {
		return nil, &SourceError{Target: s.target.Cam.Name, Message: "empty snapshot body"}
	}
	if len(data) > MaxBodyBytes {
		return nil, &SourceError{Target: s.target.Cam.Name, Message: "snapshot body too large"}
	}
	return data, nil
}

// getSnapshotURI walks the ONVIF discovery chain: device services to
// find the media XAddr (Media2 preferred), then GetSnapshotUri against
// the configured or first discovered profile.
func (s *onvifStrategy) getSnapshotURI(ctx context.Context) (string, error) {
	if s.mediaXAddr == "" {
		services, err := s.onvifClient.GetServices(s.target.Cam.ONVIF.Endpoint)
		if err != nil {
			return "", fmt.Errorf("get services: %w", err)
		}

		s.mediaXAddr = services.URL(onvif.NamespaceMedia2)
		if s.mediaXAddr != "" {
			s.mediaNS = onvif.NamespaceMedia2
		} else {
			s.mediaXAddr = services.URL(onvif.NamespaceMedia)
			if s.mediaXAddr != "" {
				s.mediaNS = onvif.NamespaceMedia
			}
		}
		if s.mediaXAddr == "" {
			return "", fmt.Errorf("media service not found")
		}
	}

	profileToken := s.target.Cam.ONVIF.ProfileToken
	if profileToken == "" {
		token, err := s.firstProfileToken()
		if err != nil {
			return "", fmt.Errorf("get profile token: %w", err)
		}
		profileToken = token
	}

	mediaNS := s.mediaNS
	if mediaNS == "" {
		mediaNS = onvif.NamespaceMedia
	}

	type GetSnapshotURI struct {
		XMLName      xml.Name `xml:"trt:GetSnapshotUri"`
		ProfileToken string   `xml:"trt:ProfileToken"`
	}

	envelope, err := s.onvifClient.Do(&onvif.Request{
		URL:        s.mediaXAddr,
		Namespaces: soap.Namespaces{"trt": mediaNS},
		Body:       &GetSnapshotURI{ProfileToken: profileToken},
	})
	if err != nil {
		return "", fmt.Errorf("SOAP request failed: %w", err)
	}

	type MediaURI struct {
		URI string `xml:"Uri"`
	}
	type GetSnapshotURIResponse struct {
		XMLName  xml.Name `xml:"GetSnapshotUriResponse"`
		MediaURI MediaURI `xml:"MediaUri"`
	}

	var resp GetSnapshotURIResponse
	if err := envelope.Body.Unmarshal(&resp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if resp.MediaURI.URI == "" {
		return "", fmt.Errorf("snapshot URI not found in response")
	}
	return resp.MediaURI.URI, nil
}

func (s *onvifStrategy) firstProfileToken() (string, error) {
	mediaNS := s.mediaNS
	if mediaNS == "" {
		mediaNS = onvif.NamespaceMedia
	}

	type GetProfiles struct {
		XMLName xml.Name `xml:"trt:GetProfiles"`
	}

	envelope, err := s.onvifClient.Do(&onvif.Request{
		URL:        s.mediaXAddr,
		Namespaces: soap.Namespaces{"trt": mediaNS},
		Body:       &GetProfiles{},
	})
	if err != nil {
		return "", fmt.Errorf("get profiles: %w", err)
	}

	type Profile struct {
		Token string `xml:"token,attr"`
	}
	type GetProfilesResponse struct {
		XMLName  xml.Name  `xml:"GetProfilesResponse"`
		Profiles []Profile `xml:"Profiles>Profile"`
	}

	var resp GetProfilesResponse
	if err := envelope.Body.Unmarshal(&resp); err != nil {
		return "", fmt.Errorf("parse profiles response: %w", err)
	}
	if len(resp.Profiles) == 0 {
		return "", fmt.Errorf("no profiles found")
	}
	return resp.Profiles[0].Token, nil
}
