package acquire

import "testing"

func TestRetryScheduleCoversAllDelays(t *testing.T) {
	if got, want := rtspAttempts, len(rtspAttemptDelays)+1; got != want {
		t.Errorf("rtspAttempts = %d, want %d so every delay is used", got, want)
	}
}

func TestClassifyFFmpegError(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   string
	}{
		{"unauthorized", "method DESCRIBE failed: 401 Unauthorized", "auth"},
		{"auth header", "RTSP authentication failed", "auth"},
		{"tls", "TLS handshake error: certificate verify failed", "tls"},
		{"dns", "Name or service not known", "dns"},
		{"refused", "Connection refused", "connection"},
		{"reset", "Connection reset by peer", "connection"},
		{"timeout", "Operation timed out", "timeout"},
		{"garbage", "something unexpected happened", "unknown"},
		{"empty", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyFFmpegError(tt.stderr); got != tt.want {
				t.Errorf("classifyFFmpegError = %q, want %q", got, tt.want)
			}
		})
	}
}
