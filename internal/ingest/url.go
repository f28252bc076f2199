package ingest

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"syscall"
	"time"
)

const (
	urlFetchTimeout = 30 * time.Second
	urlMaxRedirects = 10
)

// ErrForbiddenAddress rejects URLs resolving to non-public addresses.
var ErrForbiddenAddress = errors.New("url resolves to a forbidden address")

// urlClient fetches remote documents. The dialer control rejects non-public
// addresses on the socket actually being connected, which also covers DNS
// answers that change between the pre-flight check and the connect, and every
// redirect hop is re-validated.
var urlClient = &http.Client{
	Timeout: urlFetchTimeout,
	Transport: &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   refuseNonPublicDial,
		}).DialContext,
	},
	CheckRedirect: checkRedirect,
}

func refuseNonPublicDial(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || !isPublicIP(ip) {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, address)
	}
	return nil
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= urlMaxRedirects {
		return fmt.Errorf("stopped after %d redirects", urlMaxRedirects)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", req.URL.Scheme)
	}
	return checkHostAddresses(req.Context(), req.URL.Hostname())
}

// IngestURL downloads a document and runs it through the upload pipeline.
// Hosts resolving to private, loopback, link-local, multicast, or reserved
// addresses are refused, on the initial request and on every redirect hop.
func (s *Service) IngestURL(ctx context.Context, tenantID, rawURL, source string) (Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Result{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err := checkHostAddresses(ctx, u.Hostname()); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, urlFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := urlClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("fetch url: status %d", resp.StatusCode)
	}

	up := Upload{
		Filename:     filenameFromResponse(u, resp),
		DeclaredMIME: mimeFromResponse(resp),
		Reader:       resp.Body,
		SourceURI:    u.String(),
		Source:       source,
	}
	return s.ingestOne(ctx, tenantID, up), nil
}

func checkHostAddresses(ctx context.Context, host string) error {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, addr := range addrs {
		if !isPublicIP(addr.IP) {
			return fmt.Errorf("%w: %s -> %s", ErrForbiddenAddress, host, addr.IP)
		}
	}
	return nil
}

func isPublicIP(ip net.IP) bool {
	switch {
	case ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified():
		return false
	}
	// 240.0.0.0/4 reserved
	if v4 := ip.To4(); v4 != nil && v4[0] >= 240 {
		return false
	}
	return true
}

func filenameFromResponse(u *url.URL, resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = u.Hostname() + ".html"
	}
	return name
}

func mimeFromResponse(resp *http.Response) string {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	return strings.TrimSpace(ct)
}
