package client

import (
	"net/http"
	"time"

	"kptv-restream/work/config"
)

// RequestProfile is the set of headers sent upstream on behalf of a source.
type RequestProfile struct {
	UserAgent string
	Origin    string
	Referrer  string
}

// ProfileFor builds the request profile of a configured source.
func ProfileFor(src *config.SourceConfig) RequestProfile {
	return RequestProfile{
		UserAgent: src.UserAgent,
		Origin:    src.ReqOrigin,
		Referrer:  src.ReqReferrer,
	}
}

// HeaderSettingClient wraps http.Client to automatically set headers
type HeaderSettingClient struct {
	Client  *http.Client
	profile RequestProfile
}

// CustomResponseWriter wraps http.ResponseWriter to track headers and implement Flusher
type CustomResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	statusCode  int
}

// NewHeaderSettingClient builds a client suited for long-lived streaming
// responses: no overall timeout, only a header timeout. Per-request limits
// come from the request context.
func NewHeaderSettingClient(profile RequestProfile) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &HeaderSettingClient{
		Client:  client,
		profile: profile,
	}
}

// WithProfile returns a client sharing the same transport but sending the
// headers of another profile.
func (hsc *HeaderSettingClient) WithProfile(profile RequestProfile) *HeaderSettingClient {
	return &HeaderSettingClient{Client: hsc.Client, profile: profile}
}

func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if hsc.profile.UserAgent != "" {
		req.Header.Set("User-Agent", hsc.profile.UserAgent)
	}
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if hsc.profile.Origin != "" {
		req.Header.Set("Origin", hsc.profile.Origin)
	}
	if hsc.profile.Referrer != "" {
		req.Header.Set("Referer", hsc.profile.Referrer)
	}
}

// NewCustomResponseWriter wraps w for streamed responses.
func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{
		ResponseWriter: w,
		WroteHeader:    false,
		statusCode:     0,
	}
}

func (crw *CustomResponseWriter) WriteHeader(statusCode int) {
	if crw.WroteHeader {
		return
	}

	crw.Header().Set("Cache-Control", "no-cache")
	crw.Header().Set("X-Content-Type-Options", "nosniff")

	crw.statusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
	crw.WroteHeader = true
}

func (crw *CustomResponseWriter) Write(b []byte) (int, error) {
	if !crw.WroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	return crw.ResponseWriter.Write(b)
}

// StatusCode returns the status sent to the client, 0 if none yet.
func (crw *CustomResponseWriter) StatusCode() int {
	return crw.statusCode
}

// Implement http.Flusher interface
func (crw *CustomResponseWriter) Flush() {
	if flusher, ok := crw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
